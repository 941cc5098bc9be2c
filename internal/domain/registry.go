package domain

import "sort"

// registry maps event type tags to prototype constructors. Decoding keys off
// the tag stored alongside the payload; the payload itself carries no tag.
var registry = map[string]func() Event{
	"AccountCreated":         func() Event { return &AccountCreated{} },
	"AccountRenamed":         func() Event { return &AccountRenamed{} },
	"AccountClosed":          func() Event { return &AccountClosed{} },
	"TransactionCreated":     func() Event { return &TransactionCreated{} },
	"TransactionCategorized": func() Event { return &TransactionCategorized{} },
	"TransactionTagged":      func() Event { return &TransactionTagged{} },
	"BudgetCreated":          func() Event { return &BudgetCreated{} },
	"BudgetExceeded":         func() Event { return &BudgetExceeded{} },
}

// NewEvent returns a zero-valued event of the given type, or false when the
// type tag is not registered.
func NewEvent(eventType string) (Event, bool) {
	ctor, ok := registry[eventType]
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// RegisteredTypes lists every known event type tag in sorted order.
func RegisteredTypes() []string {
	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
