package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

type (
	// Token is the fungible-asset contract the protocol moves value through.
	// The caller of each mutating method is passed explicitly.
	Token interface {
		Address() common.Address
		Symbol() string
		Decimals() uint8
		BalanceOf(owner common.Address) *uint256.Int
		Allowance(owner, spender common.Address) *uint256.Int
		Transfer(from, to common.Address, amount *uint256.Int) error
		TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
		Approve(owner, spender common.Address, amount *uint256.Int) error
	}

	ERC20 struct {
		address  common.Address
		symbol   string
		decimals uint8

		balances   map[common.Address]*uint256.Int
		allowances map[common.Address]map[common.Address]*uint256.Int
	}
)

func NewERC20(address common.Address, symbol string, decimals uint8) *ERC20 {
	return &ERC20{
		address:    address,
		symbol:     symbol,
		decimals:   decimals,
		balances:   make(map[common.Address]*uint256.Int),
		allowances: make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

func (t *ERC20) Address() common.Address { return t.address }
func (t *ERC20) Symbol() string          { return t.symbol }
func (t *ERC20) Decimals() uint8         { return t.decimals }

func (t *ERC20) BalanceOf(owner common.Address) *uint256.Int {
	return clone(t.balances[owner])
}

func (t *ERC20) Allowance(owner, spender common.Address) *uint256.Int {
	return clone(t.allowances[owner][spender])
}

// Mint credits amount to the owner out of thin air. Used to seed balances.
func (t *ERC20) Mint(to common.Address, amount *uint256.Int) error {
	balance, err := Add(t.BalanceOf(to), amount)
	if err != nil {
		return err
	}
	t.balances[to] = balance
	return nil
}

func (t *ERC20) Transfer(from, to common.Address, amount *uint256.Int) error {
	fromBalance := t.BalanceOf(from)
	if fromBalance.Lt(amount) {
		return errors.Wrapf(ErrInsufficientBalance, "%s: %s has %s, needs %s", t.symbol, from.Hex(), fromBalance.Dec(), amount.Dec())
	}
	t.balances[from] = new(uint256.Int).Sub(fromBalance, amount)
	toBalance, err := Add(t.BalanceOf(to), amount)
	if err != nil {
		return err
	}
	t.balances[to] = toBalance
	return nil
}

func (t *ERC20) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	if spender != from {
		allowance := t.Allowance(from, spender)
		if allowance.Lt(amount) {
			return errors.Wrapf(ErrInsufficientAllowance, "%s: %s allowed %s by %s, needs %s", t.symbol, spender.Hex(), allowance.Dec(), from.Hex(), amount.Dec())
		}
		if !isMax(allowance) {
			t.setAllowance(from, spender, new(uint256.Int).Sub(allowance, amount))
		}
	}
	return t.Transfer(from, to, amount)
}

func (t *ERC20) Approve(owner, spender common.Address, amount *uint256.Int) error {
	t.setAllowance(owner, spender, amount.Clone())
	return nil
}

func (t *ERC20) setAllowance(owner, spender common.Address, amount *uint256.Int) {
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = amount
}

func (t *ERC20) checkpoint() func() {
	balances := make(map[common.Address]*uint256.Int, len(t.balances))
	for k, v := range t.balances {
		balances[k] = v.Clone()
	}
	allowances := make(map[common.Address]map[common.Address]*uint256.Int, len(t.allowances))
	for owner, m := range t.allowances {
		inner := make(map[common.Address]*uint256.Int, len(m))
		for spender, v := range m {
			inner[spender] = v.Clone()
		}
		allowances[owner] = inner
	}
	return func() {
		t.balances = balances
		t.allowances = allowances
	}
}

// TokenBook resolves token contracts by address.
type TokenBook struct {
	tokens map[common.Address]Token
}

func NewTokenBook(tokens ...Token) *TokenBook {
	b := &TokenBook{tokens: make(map[common.Address]Token)}
	for _, t := range tokens {
		b.Add(t)
	}
	return b
}

func (b *TokenBook) Add(t Token) {
	b.tokens[t.Address()] = t
}

func (b *TokenBook) Token(asset common.Address) (Token, error) {
	t, ok := b.tokens[asset]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAsset, "token %s", asset.Hex())
	}
	return t, nil
}

// checkpoint captures every revertible token and returns the restore func.
func (b *TokenBook) checkpoint() func() {
	restores := make([]func(), 0, len(b.tokens))
	for _, t := range b.tokens {
		if c, ok := t.(checkpointer); ok {
			restores = append(restores, c.checkpoint())
		}
	}
	return func() {
		for _, r := range restores {
			r()
		}
	}
}

type checkpointer interface {
	checkpoint() func()
}
