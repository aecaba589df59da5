package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RecordID identifies a record in the store as a table:key pair.
// It serializes to the store's textual record id form ("projects:abc123").
type RecordID struct {
	Table string
	Key   string
}

// NewRecordID builds a RecordID from a table name and key.
func NewRecordID(table, key string) RecordID {
	return RecordID{Table: table, Key: key}
}

// ParseRecordID splits a textual record id at the first colon.
func ParseRecordID(s string) (RecordID, error) {
	table, key, ok := strings.Cut(s, ":")
	if !ok || table == "" || key == "" {
		return RecordID{}, fmt.Errorf("malformed record id %q", s)
	}
	return RecordID{Table: table, Key: key}, nil
}

func (r RecordID) String() string {
	return r.Table + ":" + r.Key
}

// IsZero reports whether the id is unset.
func (r RecordID) IsZero() bool {
	return r.Table == "" && r.Key == ""
}

func (r RecordID) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *RecordID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := ParseRecordID(s)
	if err != nil {
		return err
	}
	*r = id
	return nil
}
