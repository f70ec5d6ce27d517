package finance

const (
	operationCreateInvoice  = "create_invoice"
	operationRecordPayment  = "record_payment"
	operationGenerateReport = "generate_report"
	operationAllocate       = "allocate"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	// SequenceKeyInvoice numbers invoices across every domain; a single
	// shared sequence keeps codes globally ordered.
	SequenceKeyInvoice = "invoice"
	// SequenceKeyPayment numbers payment postings.
	SequenceKeyPayment = "payment"
)
