// Package access holds the role table consulted by the queue, the engines and
// the pool. Every operation takes the authenticated caller explicitly; the
// table itself is only mutated through admin-gated Grant and Revoke.
package access

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/atmx/options-engine/internal/codes"
)

// Role is a named capability.
type Role string

const (
	// Admin may grant and revoke roles and change configuration.
	Admin Role = "admin"
	// Relay may deposit on behalf of others and is exempt from the share lock-up.
	Relay Role = "relay"
	// Issuer may lock and release pool collateral.
	Issuer Role = "issuer"
	// Resolver may resolve queued trades while keeper mode is private.
	Resolver Role = "resolver"
	// Router may admit and settle options on an engine.
	Router Role = "router"
)

var ErrForbidden = codes.New(codes.Forbidden, "access: caller lacks required role")

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case Admin, Relay, Issuer, Resolver, Router:
		return true
	}
	return false
}

// Table maps roles to the accounts holding them. Not safe for concurrent use;
// the exchange serialises every call.
type Table struct {
	roles map[Role]map[common.Address]bool
}

// NewTable creates a table with admin granted to the given account.
func NewTable(admin common.Address) *Table {
	t := &Table{roles: make(map[Role]map[common.Address]bool)}
	t.set(Admin, admin, true)
	return t
}

// Has reports whether account holds role.
func (t *Table) Has(role Role, account common.Address) bool {
	return t.roles[role][account]
}

// Require returns ErrForbidden unless account holds role.
func (t *Table) Require(role Role, account common.Address) error {
	if !t.Has(role, account) {
		return ErrForbidden
	}
	return nil
}

// Grant gives role to account. Only admins may grant.
func (t *Table) Grant(caller common.Address, role Role, account common.Address) error {
	if err := t.Require(Admin, caller); err != nil {
		return err
	}
	if !role.Valid() {
		return codes.New(codes.InvalidParameters, "access: unknown role "+string(role))
	}
	t.set(role, account, true)
	return nil
}

// Revoke removes role from account. Only admins may revoke.
func (t *Table) Revoke(caller common.Address, role Role, account common.Address) error {
	if err := t.Require(Admin, caller); err != nil {
		return err
	}
	t.set(role, account, false)
	return nil
}

// Members lists accounts holding role.
func (t *Table) Members(role Role) []common.Address {
	out := make([]common.Address, 0, len(t.roles[role]))
	for a, ok := range t.roles[role] {
		if ok {
			out = append(out, a)
		}
	}
	return out
}

func (t *Table) set(role Role, account common.Address, on bool) {
	m, ok := t.roles[role]
	if !ok {
		m = make(map[common.Address]bool)
		t.roles[role] = m
	}
	if on {
		m[account] = true
	} else {
		delete(m, account)
	}
}

// Snapshot returns a deep copy of the table for rollback.
func (t *Table) Snapshot() any {
	return copyRoles(t.roles)
}

// Restore reinstates a copy taken by Snapshot.
func (t *Table) Restore(s any) {
	t.roles = copyRoles(s.(map[Role]map[common.Address]bool))
}

func copyRoles(src map[Role]map[common.Address]bool) map[Role]map[common.Address]bool {
	cp := make(map[Role]map[common.Address]bool, len(src))
	for r, m := range src {
		inner := make(map[common.Address]bool, len(m))
		for a, v := range m {
			inner[a] = v
		}
		cp[r] = inner
	}
	return cp
}
