package vnpay

import (
	"errors"

	"github.com/wolfman30/clinic-booking/internal/scheduling"
)

// IPNResponse is the acknowledgement body VNPay expects from the merchant.
type IPNResponse struct {
	RspCode string `json:"RspCode"`
	Message string `json:"Message"`
}

// IPNAck translates the outcome of callback processing into VNPay's codes.
// alreadySettled marks callbacks for payments that had already left
// PROCESSING.
func IPNAck(err error, alreadySettled bool) IPNResponse {
	switch {
	case err == nil && alreadySettled:
		return IPNResponse{RspCode: "02", Message: "Order already confirmed"}
	case err == nil:
		return IPNResponse{RspCode: "00", Message: "Confirm Success"}
	case errors.Is(err, scheduling.ErrInvalidSignature):
		return IPNResponse{RspCode: "97", Message: "Invalid signature"}
	case errors.Is(err, scheduling.ErrPaymentNotFound):
		return IPNResponse{RspCode: "01", Message: "Order not found"}
	case errors.Is(err, scheduling.ErrPaymentAmountMismatch):
		return IPNResponse{RspCode: "04", Message: "Invalid amount"}
	default:
		return IPNResponse{RspCode: "99", Message: "Unknown error"}
	}
}
