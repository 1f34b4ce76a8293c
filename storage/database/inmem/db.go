package inmemdb

import (
	"sync"

	"github.com/rmhse/membership/core/member"
)

type (
	DB struct {
		member *memberTable
	}

	memberTable struct {
		sync.RWMutex
		table map[string]*member.Member
		seq   int64 // insertion order
		order map[string]int64
	}
)

func Open() *DB {
	return &DB{
		member: &memberTable{
			table: make(map[string]*member.Member),
			order: make(map[string]int64),
		},
	}
}
