package auth

// Known OAuth scopes used by the finance services.
const (
	ScopeFinanceWrite = "finance:write"
	ScopeFinanceRead  = "finance:read"
)
