package protocol

import (
	"context"
	"encoding/hex"
	"strconv"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
	"bchgateway/internal/payments"
)

// Content types of the binary BIP70 exchange, BCH flavor.
const (
	BIP70RequestType = "application/bitcoincash-paymentrequest"
	BIP70PaymentType = "application/bitcoincash-payment"
	BIP70AckType     = "application/bitcoincash-paymentack"
)

// BIP70 serves the original binary payment protocol.
type BIP70 struct {
	Pipeline *Pipeline
	Identity *X509Identity
	Domain   string
	PaidMemo string
}

func (b *BIP70) Name() string { return "bip70" }

// BuildPaymentRequest renders the invoice as a serialized PaymentRequest.
// With an x509 identity configured the request is signed so wallets show a
// verified origin; otherwise pki_type is "none".
func (b *BIP70) BuildPaymentRequest(ctx context.Context, inv *models.Invoice) (Response, error) {
	details := bip70Details{
		Network:    inv.Network,
		Time:       uint64(inv.Time),
		Expires:    uint64(inv.Expires),
		Memo:       inv.Memo,
		PaymentURL: inv.PaymentURI(b.Domain),
	}
	if inv.MerchantData != "" {
		details.MerchantData = []byte(inv.MerchantData)
	}
	for _, out := range inv.Outputs {
		script, err := payments.ResolveScript(out, inv.Network)
		if err != nil {
			return Response{}, err
		}
		details.Outputs = append(details.Outputs, bip70Output{
			Amount: uint64(out.Amount),
			Script: script,
		})
	}

	req := bip70Request{
		Version:           1,
		PkiType:           "none",
		SerializedDetails: marshalDetails(details),
	}
	if b.Identity != nil {
		req.PkiType = "x509+sha256"
		req.PkiData = marshalCertChain(b.Identity.CertChain())
		// Per BIP70 the signature covers the request with the signature
		// field set to the empty string.
		req.Signature = []byte{}
		sig, err := b.Identity.Sign(marshalRequest(req))
		if err != nil {
			return Response{}, err
		}
		req.Signature = sig
	}

	body := marshalRequest(req)
	return Response{
		Body:    body,
		Binary:  true,
		Headers: bip70Headers(BIP70RequestType, len(body)),
	}, nil
}

// VerifyAndAcknowledge decodes a Payment message, settles it through the
// shared pipeline and answers with a PaymentACK echoing the payment.
func (b *BIP70) VerifyAndAcknowledge(ctx context.Context, inv *models.Invoice, submission []byte) (Response, error) {
	payment, err := parsePayment(submission)
	if err != nil {
		return Response{}, errs.Validation("could not decode payment message")
	}
	if len(payment.Transactions) == 0 {
		return Response{}, errs.Validation("payment carries no transactions")
	}

	sub := Submission{RawTxs: payment.Transactions, Memo: payment.Memo}
	for _, out := range payment.RefundTo {
		if out.Amount > uint64(inv.NativeTotal) {
			return Response{}, errs.Validation("refund output exceeds invoice total")
		}
		sub.RefundTo = append(sub.RefundTo, models.Output{
			Amount: int64(out.Amount),
			Script: hex.EncodeToString(out.Script),
		})
	}
	if err := b.Pipeline.Settle(ctx, inv, sub); err != nil {
		return Response{}, err
	}

	memo := b.PaidMemo
	if memo == "" {
		memo = "Payment successful."
	}
	body := marshalAck(bip70Ack{Payment: submission, Memo: memo})
	return Response{
		Body:    body,
		Binary:  true,
		Headers: bip70Headers(BIP70AckType, len(body)),
	}, nil
}

func bip70Headers(contentType string, length int) map[string]string {
	return map[string]string{
		"Content-Type":              contentType,
		"Content-Length":            strconv.Itoa(length),
		"Content-Transfer-Encoding": "binary",
	}
}

var _ PaymentProtocol = (*BIP70)(nil)
