// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package addrcache implements the persistent address cache of a
// descriptor wallet: derivation metadata, labels, used flags,
// reservation tags and the gap limit keypool that keeps the backing
// node importing ahead of use.
package addrcache

import (
	"fmt"
	"sort"

	"github.com/descwallet/descwallet/chain"
	"github.com/descwallet/descwallet/descriptor"
	"github.com/descwallet/descwallet/store"
)

const (
	// GapLimit is the number of unused addresses that must stay
	// imported ahead of the highest used index on each branch.
	GapLimit = 20

	// refillFactor amortizes node import calls.  Every refill extends
	// the keypool boundary by at least refillFactor*GapLimit indices.
	refillFactor = 2
)

// branchNum maps the change flag onto the descriptor branch number.
func branchNum(change bool) uint32 {
	if change {
		return 1
	}
	return 0
}

// branchName returns the branch name used in log output.
func branchName(change bool) string {
	if change {
		return "change"
	}
	return "receive"
}

// Cache is the address cache of one wallet.  It is not safe for
// concurrent use; the owning wallet serializes access to it.
type Cache struct {
	desc   *descriptor.Descriptor
	client chain.Client
	table  store.Table

	addrs map[string]*Address

	// byIndex maps derivation index to address string, one map per
	// branch.
	byIndex [2]map[uint32]string

	// boundary is the first underived index per branch.  Every index
	// below it has a record and has been imported to the node.
	boundary [2]uint32

	// recoverLabels marks a branch whose next refill is a first
	// import, where labels the node already knows are pulled into the
	// new records.
	recoverLabels [2]bool
}

// New loads the address cache from its row store.  A read failure is
// treated as an absent cache: the wallet starts cold and rebuilds, it
// never fails construction over it.
func New(desc *descriptor.Descriptor, client chain.Client,
	table store.Table) *Cache {

	c := &Cache{
		desc:   desc,
		client: client,
		table:  table,
		addrs:  make(map[string]*Address),
		byIndex: [2]map[uint32]string{
			make(map[uint32]string),
			make(map[uint32]string),
		},
	}

	rows, err := table.ReadAll()
	if err != nil {
		log.Warnf("Address cache unreadable, starting cold: %v", err)
		c.recoverLabels = [2]bool{true, true}
		return c
	}
	for _, row := range rows {
		addr, err := decodeRow(row)
		if err != nil {
			log.Warnf("Address cache corrupt, starting cold: %v",
				err)
			c.reset()
			break
		}
		c.insert(addr)
	}

	// An empty cache over a node that may already watch this wallet
	// recovers labels on its first keypool fills.
	if len(c.addrs) == 0 {
		c.recoverLabels = [2]bool{true, true}
	}

	return c
}

// reset discards every loaded record, returning the cache to its cold
// start state.
func (c *Cache) reset() {
	c.addrs = make(map[string]*Address)
	c.byIndex = [2]map[uint32]string{
		make(map[uint32]string),
		make(map[uint32]string),
	}
	c.boundary = [2]uint32{}
	c.recoverLabels = [2]bool{true, true}
}

// insert places a record into the lookup maps and advances the branch
// boundary past it.
func (c *Cache) insert(addr *Address) {
	c.addrs[addr.Address] = addr
	if addr.External() {
		return
	}

	branch := branchNum(addr.Change)
	index := uint32(addr.Index)
	c.byIndex[branch][index] = addr.Address
	if index >= c.boundary[branch] {
		c.boundary[branch] = index + 1
	}
}

// persist writes the whole cache back as one batch.  Rows are ordered
// receive branch first, then change, then external records, so repeated
// persists of identical state produce identical bytes.
func (c *Cache) persist() error {
	rows := make([][]string, 0, len(c.addrs))
	for _, change := range []bool{false, true} {
		branch := branchNum(change)
		for index := uint32(0); index < c.boundary[branch]; index++ {
			addrStr, ok := c.byIndex[branch][index]
			if !ok {
				continue
			}
			rows = append(rows, c.addrs[addrStr].encodeRow())
		}
	}

	external := make([]string, 0)
	for addrStr, addr := range c.addrs {
		if addr.External() {
			external = append(external, addrStr)
		}
	}
	sort.Strings(external)
	for _, addrStr := range external {
		rows = append(rows, c.addrs[addrStr].encodeRow())
	}

	if err := c.table.WriteAll(rows); err != nil {
		return cacheError(ErrStorage,
			"unable to persist address cache", err)
	}
	return nil
}

// Get returns a copy of the record for the given address.
func (c *Cache) Get(address string) (Address, bool) {
	addr, ok := c.addrs[address]
	if !ok {
		return Address{}, false
	}
	return *addr, true
}

// IsMine reports whether the address was derived by this wallet.
func (c *Cache) IsMine(address string) bool {
	addr, ok := c.addrs[address]
	return ok && !addr.External()
}

// IsChange reports whether the address lies on this wallet's change
// branch.
func (c *Cache) IsChange(address string) bool {
	addr, ok := c.addrs[address]
	return ok && !addr.External() && addr.Change
}

// AddressAt returns the cached record at a derivation index.
func (c *Cache) AddressAt(change bool, index uint32) (Address, bool) {
	addrStr, ok := c.byIndex[branchNum(change)][index]
	if !ok {
		return Address{}, false
	}
	return *c.addrs[addrStr], true
}

// Addresses returns copies of all cached records, derivation records
// first in index order, external records last.
func (c *Cache) Addresses() []Address {
	result := make([]Address, 0, len(c.addrs))
	for _, change := range []bool{false, true} {
		branch := branchNum(change)
		for index := uint32(0); index < c.boundary[branch]; index++ {
			if addrStr, ok := c.byIndex[branch][index]; ok {
				result = append(result, *c.addrs[addrStr])
			}
		}
	}
	external := make([]string, 0)
	for addrStr, addr := range c.addrs {
		if addr.External() {
			external = append(external, addrStr)
		}
	}
	sort.Strings(external)
	for _, addrStr := range external {
		result = append(result, *c.addrs[addrStr])
	}
	return result
}

// GetOrCreate returns the record for an address, creating a bare
// external record when the cache has never seen it.  Used when a
// transaction references an address that is not ours.
func (c *Cache) GetOrCreate(address string) (Address, error) {
	if addr, ok := c.addrs[address]; ok {
		return *addr, nil
	}

	addr := &Address{Address: address, Index: ExternalIndex}
	c.insert(addr)
	if err := c.persist(); err != nil {
		return Address{}, err
	}
	return *addr, nil
}

// AddBatch bulk inserts records.  Records for addresses already present
// are ignored.  When verify is set, each new record's label is cross
// referenced against the node so a wallet the node already knows about
// recovers its label assignments.
func (c *Cache) AddBatch(records []*Address, verify bool) error {
	added := 0
	for _, rec := range records {
		if _, ok := c.addrs[rec.Address]; ok {
			continue
		}
		if verify {
			info, err := c.client.GetAddressInfo(rec.Address)
			if err != nil {
				return cacheError(ErrNode, fmt.Sprintf(
					"unable to verify address %s",
					rec.Address), err)
			}
			if rec.Label == "" && info.Label != "" {
				rec.Label = info.Label
			}
		}
		c.insert(rec)
		added++
	}

	if added == 0 {
		return nil
	}
	return c.persist()
}

// MarkUsed marks addresses as used.  Already used, external and unknown
// addresses are skipped, and nothing is written when no record changed.
func (c *Cache) MarkUsed(addresses []string) error {
	changed := false
	for _, addrStr := range addresses {
		addr, ok := c.addrs[addrStr]
		if !ok || addr.External() || addr.Used {
			continue
		}
		addr.Used = true
		changed = true
	}

	if !changed {
		return nil
	}
	return c.persist()
}

// MaxUsedIndex returns the highest used derivation index on a branch,
// or -1 when no address on the branch has been used.
func (c *Cache) MaxUsedIndex(change bool) int32 {
	branch := branchNum(change)
	max := int32(-1)
	for index, addrStr := range c.byIndex[branch] {
		if c.addrs[addrStr].Used && int32(index) > max {
			max = int32(index)
		}
	}
	return max
}

// SetLabel assigns a label to a known address.
func (c *Cache) SetLabel(address, label string) error {
	addr, ok := c.addrs[address]
	if !ok {
		return cacheError(ErrUnknownAddress,
			fmt.Sprintf("unknown address %s", address), nil)
	}
	if addr.Label == label {
		return nil
	}
	addr.Label = label
	return c.persist()
}

// Reserve associates an address with an external correlation tag, such
// as a payment service identifier, and assigns its label.
func (c *Cache) Reserve(address, tag, label string) error {
	addr, ok := c.addrs[address]
	if !ok {
		return cacheError(ErrUnknownAddress,
			fmt.Sprintf("unknown address %s", address), nil)
	}
	if addr.External() {
		return cacheError(ErrExternalAddress, fmt.Sprintf(
			"cannot reserve external address %s", address), nil)
	}
	if addr.Reserved() {
		return cacheError(ErrAlreadyReserved, fmt.Sprintf(
			"address %s already reserved for %s", address,
			addr.Reservation), nil)
	}

	addr.Reservation = tag
	addr.Label = label
	return c.persist()
}

// Release frees a reserved address.  The label is cleared only when the
// address is still unused: a label on a used address is never
// clobbered.
func (c *Cache) Release(address string) error {
	addr, ok := c.addrs[address]
	if !ok {
		return cacheError(ErrUnknownAddress,
			fmt.Sprintf("unknown address %s", address), nil)
	}
	if !addr.Reserved() {
		return nil
	}

	addr.Reservation = ""
	if !addr.Used {
		addr.Label = ""
	}
	return c.persist()
}

// Boundary returns the first underived index on a branch.  Every index
// below it is derived, recorded and imported to the node.
func (c *Cache) Boundary(change bool) uint32 {
	return c.boundary[branchNum(change)]
}

// NextAddress hands out the lowest unused, unreserved address on a
// branch, refilling the keypool first whenever the chosen index is
// within GapLimit of the boundary.  The refill imports the new range to
// the node before the address is returned, so the node can recognize
// payments to every address ahead of it.
func (c *Cache) NextAddress(change bool) (Address, error) {
	branch := branchNum(change)

	for {
		chosen := int64(-1)
		for index := uint32(0); index < c.boundary[branch]; index++ {
			addrStr, ok := c.byIndex[branch][index]
			if !ok {
				continue
			}
			addr := c.addrs[addrStr]
			if !addr.Used && !addr.Reserved() {
				chosen = int64(index)
				break
			}
		}

		if chosen < 0 {
			// Keypool exhausted, extend and retry.
			err := c.refill(change,
				c.boundary[branch]+refillFactor*GapLimit)
			if err != nil {
				return Address{}, err
			}
			continue
		}

		if c.boundary[branch]-uint32(chosen) <= GapLimit {
			err := c.refill(change,
				c.boundary[branch]+refillFactor*GapLimit)
			if err != nil {
				return Address{}, err
			}
		}

		addrStr := c.byIndex[branch][uint32(chosen)]
		return *c.addrs[addrStr], nil
	}
}

// EnsureAhead guarantees the keypool boundary stays at least GapLimit
// past the given used index, extending by at least refillFactor*
// GapLimit when it does not.  usedIndex may be -1 for a branch with no
// used addresses yet.
func (c *Cache) EnsureAhead(change bool, usedIndex int32) error {
	branch := branchNum(change)
	target := uint32(usedIndex+1) + GapLimit
	if c.boundary[branch] >= target {
		return nil
	}

	newBoundary := c.boundary[branch] + refillFactor*GapLimit
	if newBoundary < target {
		newBoundary = target
	}
	return c.refill(change, newBoundary)
}

// refill derives every index from the current boundary up to
// newBoundary, imports the range to the node first and only then
// records the addresses, so a recorded address is always one the node
// watches.
func (c *Cache) refill(change bool, newBoundary uint32) error {
	branch := branchNum(change)
	start := c.boundary[branch]
	if newBoundary <= start {
		return nil
	}

	descStr, err := c.desc.ForNodeImport(branch)
	if err != nil {
		return cacheError(ErrDerivation,
			"unable to build import descriptor", err)
	}
	err = c.client.ImportDescriptors([]chain.ImportRequest{{
		Descriptor: descStr,
		RangeStart: start,
		RangeEnd:   newBoundary - 1,
		Internal:   change,
		Active:     true,
	}})
	if err != nil {
		return cacheError(ErrNode, fmt.Sprintf(
			"unable to import %s range [%d, %d]",
			branchName(change), start, newBoundary-1), err)
	}

	records := make([]*Address, 0, newBoundary-start)
	for index := start; index < newBoundary; index++ {
		derived, err := c.desc.Derive(branch, index)
		if err != nil {
			return cacheError(ErrDerivation, fmt.Sprintf(
				"unable to derive %s index %d",
				branchName(change), index), err)
		}
		records = append(records, &Address{
			Address: derived.Address.EncodeAddress(),
			Index:   int32(index),
			Change:  change,
		})
	}

	if err := c.AddBatch(records, c.recoverLabels[branch]); err != nil {
		return err
	}
	c.recoverLabels[branch] = false

	log.Debugf("Extended %s keypool to %d", branchName(change),
		newBoundary)

	return nil
}
