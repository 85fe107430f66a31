package payment

import "errors"

// Sentinel errors returned by the payment workflow. Handlers map them to
// HTTP status codes; callers branch with errors.Is.
var (
	// ErrUnsupportedMethod means the checkout method is not a crypto
	// method this service serves.
	ErrUnsupportedMethod = errors.New("unsupported payment method")

	// ErrDuplicateActivePayment means the order already has a non-terminal
	// payment attempt.
	ErrDuplicateActivePayment = errors.New("order already has an active payment")

	// ErrPaymentExpired means the payment window closed before a
	// transaction was observed.
	ErrPaymentExpired = errors.New("payment expired")

	// ErrStaleTransaction means the reported transaction hash does not
	// match the one already bound to the payment.
	ErrStaleTransaction = errors.New("transaction does not match payment")

	// ErrForeignTransaction means the reported transaction pays no output
	// to the payment's address.
	ErrForeignTransaction = errors.New("transaction does not pay the payment address")

	// ErrAmountInsufficient means the received amount is below the
	// accepted tolerance of the quoted amount.
	ErrAmountInsufficient = errors.New("received amount below quoted amount")

	// ErrInvalidStateTransition means the requested transition is not
	// allowed from the payment's current status.
	ErrInvalidStateTransition = errors.New("invalid payment state transition")
)
