package membership

import (
	"fmt"
	"sort"
	"strings"
)

// TableVersion guards structural changes to the whole table
type TableVersion struct {
	Version int64  `msgpack:"v" json:"version"`
	ETag    string `msgpack:"e" json:"etag"`
}

func (v TableVersion) String() string {
	return fmt.Sprintf("<%d, %s>", v.Version, v.ETag)
}

// Row pairs an entry with its row-level concurrency token
type Row struct {
	Entry Entry  `msgpack:"entry" json:"entry"`
	ETag  string `msgpack:"etag" json:"etag"`
}

// TableData is a snapshot of the table, or of a single row, plus the table version
type TableData struct {
	Rows    []Row        `msgpack:"rows" json:"rows"`
	Version TableVersion `msgpack:"version" json:"version"`
}

// Get finds the row for addr
func (d TableData) Get(addr NodeAddress) (Row, bool) {
	for _, r := range d.Rows {
		if r.Entry.Address == addr {
			return r, true
		}
	}
	return Row{}, false
}

// Len returns the number of rows
func (d TableData) Len() int {
	return len(d.Rows)
}

// Addresses returns the addresses of rows accepted by keep (all rows when keep is nil)
func (d TableData) Addresses(keep func(Entry) bool) []NodeAddress {
	out := make([]NodeAddress, 0, len(d.Rows))
	for _, r := range d.Rows {
		if keep == nil || keep(r.Entry) {
			out = append(out, r.Entry.Address)
		}
	}
	return out
}

// Sorted returns a copy ordered with dead rows last, then by address
func (d TableData) Sorted() TableData {
	rows := make([]Row, len(d.Rows))
	copy(rows, d.Rows)
	sort.SliceStable(rows, func(i, j int) bool {
		di := rows[i].Entry.Status == StatusDead
		dj := rows[j].Entry.Status == StatusDead
		if di != dj {
			return !di
		}
		return lessAddress(rows[i].Entry.Address, rows[j].Entry.Address)
	})
	return TableData{Rows: rows, Version: d.Version}
}

// WithoutDuplicateDeads keeps only the newest dead row per endpoint
func (d TableData) WithoutDuplicateDeads() TableData {
	newestDead := make(map[string]NodeAddress)
	for _, r := range d.Rows {
		if r.Entry.Status != StatusDead {
			continue
		}
		ep := r.Entry.Address.Endpoint()
		if cur, ok := newestDead[ep]; !ok || r.Entry.Address.Generation > cur.Generation {
			newestDead[ep] = r.Entry.Address
		}
	}

	rows := make([]Row, 0, len(d.Rows))
	for _, r := range d.Rows {
		if r.Entry.Status == StatusDead && newestDead[r.Entry.Address.Endpoint()] != r.Entry.Address {
			continue
		}
		rows = append(rows, r)
	}
	return TableData{Rows: rows, Version: d.Version}
}

func (d TableData) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d rows, version %s:", len(d.Rows), d.Version)
	for _, r := range d.Sorted().Rows {
		b.WriteByte(' ')
		b.WriteString(r.Entry.String())
	}
	return b.String()
}

func lessAddress(a, b NodeAddress) bool {
	if a.Host != b.Host {
		return a.Host < b.Host
	}
	if a.Port != b.Port {
		return a.Port < b.Port
	}
	return a.Generation < b.Generation
}
