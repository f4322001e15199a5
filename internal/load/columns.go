package load

// Accepted staged column names, in priority order. The first name present in a
// dataset's header wins.
var (
	colPaymentCode = []string{"PaymentMethodNK", "Code"}
	colPaymentName = []string{"PaymentMethodName", "DisplayName"}

	colBookNK      = []string{"BookNK", "ISBN"}
	colTitle       = []string{"Title"}
	colLanguage    = []string{"Language"}
	colPublishYear = []string{"PublishYear"}
	colPages       = []string{"Pages"}
	colListPrice   = []string{"ListPrice"}

	colCustomerNK  = []string{"CustomerNK", "CustomerNK_Email", "Email"}
	colDisplayName = []string{"DisplayName"}
	colPhone       = []string{"Phone"}
	colNotes       = []string{"Notes"}
	colHashDiff    = []string{"HashDiff"}

	colDateKey         = []string{"DateKey", "DateSK"}
	colQuantity        = []string{"Quantity"}
	colUnitPrice       = []string{"UnitPrice", "UnitPriceAtSale"}
	colOrderNumber     = []string{"OrderNumber"}
	colShippingAddress = []string{"ShippingAddress"}
)
