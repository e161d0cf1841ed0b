package entity

// AddressType identifies the address family an account belongs to. It
// determines which balance oracles can service the account.
type AddressType string

const (
	AddressTypeEVM      AddressType = "evm"
	AddressTypeAvax     AddressType = "avax"
	AddressTypeXpub     AddressType = "xpub"
	AddressTypePolkadot AddressType = "dot"
	AddressTypeKusama   AddressType = "ksm"
)

// Valid reports whether t is one of the known address families.
func (t AddressType) Valid() bool {
	switch t {
	case AddressTypeEVM, AddressTypeAvax, AddressTypeXpub, AddressTypePolkadot, AddressTypeKusama:
		return true
	}
	return false
}

// AccountAddress identifies one wallet/account to snapshot balances for.
type AccountAddress struct {
	Name    string
	Address string
	Type    AddressType
}
