package gateway

import "fmt"

// errorMessages maps the gateway's numeric result codes to user-facing
// reasons. Codes outside the table fall through to a templated message.
var errorMessages = map[string]string{
	"100": "Transaction approved",
	"101": "Transaction failed",
	"102": "Transaction pending",
	"103": "Transaction cancelled",
	"104": "Insufficient funds",
	"105": "Invalid phone number",
	"106": "Service temporarily unavailable",
	"107": "Invalid amount",
	"108": "Unsupported operator",
	"109": "Transaction expired",
	"110": "Invalid parameters",
	"111": "Merchant account suspended",
	"112": "Transaction limit exceeded",
	"113": "Duplicate transaction",
	"114": "System maintenance",
	"115": "Network error",
	"116": "Transaction timeout",
	"117": "Declined by user",
	"118": "Incorrect PIN",
	"119": "Account blocked",
	"120": "Service not available for this operator",
}

// ErrorMessage translates a gateway result code to a human-readable reason.
func ErrorMessage(code string) string {
	if code == "" {
		return "Payment error (code: unknown)"
	}
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return fmt.Sprintf("Payment error (code: %s)", code)
}
