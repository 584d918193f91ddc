package fundcore

// Wallet is an address plus the seed able to sign for it. The seed never
// leaves the process and never serializes.
type Wallet struct {
	Address string `json:"address"`
	Seed    string `json:"-"`
}
