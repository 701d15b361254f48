package vault

import (
	"strings"

	"github.com/lumaforge/guildvault/internal/model"
)

// Gold item valuation in nuggets.
const (
	nuggetValue = 1
	ingotValue  = 9
	blockValue  = 81
)

// GoldValue is the nugget value of an item stack, 0 for non-currency items.
func GoldValue(item *model.Item) int64 {
	if item == nil {
		return 0
	}
	switch item.Material {
	case "GOLD_NUGGET":
		return int64(item.Amount) * nuggetValue
	case "GOLD_INGOT":
		return int64(item.Amount) * ingotValue
	case "GOLD_BLOCK":
		return int64(item.Amount) * blockValue
	default:
		return 0
	}
}

// ValuablePolicy decides which items force an immediate durable flush when
// they move. The built-in allow-list covers high-tier materials; deployments
// can extend it through config.
type ValuablePolicy struct {
	extra map[string]struct{}
}

var valuableMaterials = map[string]struct{}{
	"DIAMOND":       {},
	"DIAMOND_BLOCK": {},
	"NETHER_STAR":   {},
	"ELYTRA":        {},
}

func NewValuablePolicy(extraMaterials []string) *ValuablePolicy {
	extra := make(map[string]struct{}, len(extraMaterials))
	for _, m := range extraMaterials {
		extra[strings.ToUpper(m)] = struct{}{}
	}
	return &ValuablePolicy{extra: extra}
}

// IsValuable reports whether the item is on the allow-list or carries any
// enchantment-like modifier.
func (p *ValuablePolicy) IsValuable(item *model.Item) bool {
	if item == nil {
		return false
	}
	if item.Enchanted() {
		return true
	}
	mat := strings.ToUpper(item.Material)
	if _, ok := valuableMaterials[mat]; ok {
		return true
	}
	if _, ok := p.extra[mat]; ok {
		return true
	}
	return strings.Contains(mat, "NETHERITE") || strings.Contains(mat, "SHULKER_BOX")
}
