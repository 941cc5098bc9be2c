package domain

// Aggregate type tags selecting the stream family.
const (
	AggregateAccount     = "Account"
	AggregateTransaction = "Transaction"
	AggregateBudget      = "Budget"
)

// TransactionType classifies the direction of a financial movement.
type TransactionType string

const (
	TransactionCredit   TransactionType = "credit"
	TransactionDebit    TransactionType = "debit"
	TransactionTransfer TransactionType = "transfer"
)

// Currency is an ISO 4217 code.
type Currency string

const (
	CurrencyNOK Currency = "NOK"
	CurrencyDKK Currency = "DKK"
	CurrencyMAD Currency = "MAD"
	CurrencySEK Currency = "SEK"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyGBP Currency = "GBP"
	CurrencyJPY Currency = "JPY"
	CurrencyAUD Currency = "AUD"
	CurrencyCAD Currency = "CAD"
	CurrencyCHF Currency = "CHF"
)

// AccountType classifies a financial account.
type AccountType string

const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountCreditCard AccountType = "credit_card"
	AccountLoan       AccountType = "loan"
	AccountInvestment AccountType = "investment"
	AccountCash       AccountType = "cash"
	AccountOther      AccountType = "other"
)

// ExpenseCategory is the enterprise expense taxonomy.
type ExpenseCategory string

const (
	CategoryMeals          ExpenseCategory = "meals"
	CategorySupplies       ExpenseCategory = "supplies"
	CategoryRent           ExpenseCategory = "rent"
	CategoryUtilities      ExpenseCategory = "utilities"
	CategoryTransportation ExpenseCategory = "transportation"
	CategorySoftware       ExpenseCategory = "software"
	CategoryHealthcare     ExpenseCategory = "healthcare"
	CategoryMarketing      ExpenseCategory = "marketing"
	CategoryConsulting     ExpenseCategory = "consulting"
	CategoryTravel         ExpenseCategory = "travel"
	CategoryOther          ExpenseCategory = "other"
)
