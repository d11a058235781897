package models

import (
	"database/sql/driver"
	"strings"

	"github.com/lib/pq"
)

// StringArray is a custom type for handling TEXT[] arrays in PostgreSQL
type StringArray []string

// Value implements the driver.Valuer interface
func (a StringArray) Value() (driver.Value, error) {
	if a == nil {
		return nil, nil
	}
	return pq.Array([]string(a)).Value()
}

// Scan implements the sql.Scanner interface
func (a *StringArray) Scan(src interface{}) error {
	if src == nil {
		*a = nil
		return nil
	}
	slice := (*[]string)(a)
	return pq.Array(slice).Scan(src)
}

// Contains reports whether v is in the array, ignoring case
func (a StringArray) Contains(v string) bool {
	for _, item := range a {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}
