package loader

// Shard is the ownership filter for a numbered instance. An account belongs
// to shard |accountId| mod totalShards; non-owning shards silently ignore
// events and triggers for accounts they do not own.
type Shard struct {
	Index int
	Total int
}

// Owns reports whether this shard owns the account.
func (s Shard) Owns(accountID int64) bool {
	if s.Total <= 1 {
		return true
	}
	if accountID < 0 {
		accountID = -accountID
	}
	return int(accountID%int64(s.Total)) == s.Index
}
