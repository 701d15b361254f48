package model

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Item is a vault item payload. The storage layers treat it as an opaque
// serialized blob; only the vault policy code inspects material and
// enchantments.
type Item struct {
	Material     string            `json:"material"`
	Amount       int               `json:"amount"`
	DisplayName  string            `json:"display_name,omitempty"`
	Enchantments map[string]int    `json:"enchantments,omitempty"`
	Meta         map[string]string `json:"meta,omitempty"`
}

// Enchanted reports whether the item carries any enchantment-like modifier.
func (i *Item) Enchanted() bool {
	return len(i.Enchantments) > 0
}

// Equal compares material, amount and enchantments. Used by the view repair
// path to detect stale slots.
func (i *Item) Equal(other *Item) bool {
	if i == nil || other == nil {
		return i == other
	}
	if i.Material != other.Material || i.Amount != other.Amount {
		return false
	}
	if len(i.Enchantments) != len(other.Enchantments) {
		return false
	}
	for k, v := range i.Enchantments {
		if other.Enchantments[k] != v {
			return false
		}
	}
	return true
}

// ItemCodec serializes item payloads for storage. Implementations must
// round-trip EncodeItem output through DecodeItem losslessly.
type ItemCodec interface {
	EncodeItem(item *Item) (string, error)
	DecodeItem(data string) (*Item, error)
}

// Base64JSONCodec is the default codec: JSON wrapped in base64, matching the
// encoding used for the item_data columns.
type Base64JSONCodec struct{}

func (Base64JSONCodec) EncodeItem(item *Item) (string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func (Base64JSONCodec) DecodeItem(data string) (*Item, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, err
	}
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, err
	}
	return &item, nil
}
