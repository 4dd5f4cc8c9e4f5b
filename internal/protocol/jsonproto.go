package protocol

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"

	"bchgateway/internal/errs"
	"bchgateway/internal/models"
	"bchgateway/internal/signer"
)

// Content types of the JSON payment protocol exchange.
const (
	JSONRequestType = "application/payment-request"
	JSONVerifyType  = "application/verify-payment"
	JSONPaymentType = "application/payment"
	JSONAckType     = "application/payment-ack"
	JSONVerifyAck   = "application/payment-verification"
)

// JSONProtocol serves the JSON payment protocol. Requests and acks carry
// identity signature headers so wallets can pin the gateway's key.
type JSONProtocol struct {
	Pipeline *Pipeline
	Signer   *signer.Service
	Domain   string
	PaidMemo string
}

func (j *JSONProtocol) Name() string { return "jsonpp" }

type jsonOutput struct {
	Address string `json:"address,omitempty"`
	Script  string `json:"script,omitempty"`
	Amount  int64  `json:"amount"`
}

type jsonPaymentRequest struct {
	Network            string       `json:"network"`
	Currency           string       `json:"currency"`
	RequiredFeePerByte int64        `json:"requiredFeePerByte"`
	Outputs            []jsonOutput `json:"outputs"`
	Time               string       `json:"time"`
	Expires            string       `json:"expires"`
	Memo               string       `json:"memo,omitempty"`
	PaymentURL         string       `json:"paymentUrl"`
	PaymentID          string       `json:"paymentId"`
}

type jsonPayment struct {
	Currency     string   `json:"currency"`
	Transactions []string `json:"transactions"`
}

type jsonAck struct {
	Payment jsonPayment `json:"payment"`
	Memo    string      `json:"memo"`
}

func (j *JSONProtocol) BuildPaymentRequest(ctx context.Context, inv *models.Invoice) (Response, error) {
	req := jsonPaymentRequest{
		Network:    inv.Network,
		Currency:   "BCH",
		Time:       time.Unix(inv.Time, 0).UTC().Format(time.RFC3339),
		Expires:    time.Unix(inv.Expires, 0).UTC().Format(time.RFC3339),
		Memo:       inv.Memo,
		PaymentURL: inv.PaymentURI(j.Domain),
		PaymentID:  inv.ID,
	}
	for _, out := range inv.Outputs {
		req.Outputs = append(req.Outputs, jsonOutput{
			Address: out.Address,
			Script:  out.Script,
			Amount:  out.Amount,
		})
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	return Response{Body: body, Headers: j.headers(JSONRequestType, body)}, nil
}

// VerifyOnly runs the matcher against a verify-payment submission without
// touching the cluster or the invoice record.
func (j *JSONProtocol) VerifyOnly(ctx context.Context, inv *models.Invoice, submission []byte) (Response, error) {
	sub, err := j.decode(submission)
	if err != nil {
		return Response{}, err
	}
	if err := j.Pipeline.Verify(inv, sub); err != nil {
		return Response{}, err
	}
	var echoed jsonPayment
	_ = json.Unmarshal(submission, &echoed)
	body, err := json.Marshal(jsonAck{Payment: echoed, Memo: "Payment appears valid."})
	if err != nil {
		return Response{}, err
	}
	return Response{Body: body, Headers: j.headers(JSONVerifyAck, body)}, nil
}

func (j *JSONProtocol) VerifyAndAcknowledge(ctx context.Context, inv *models.Invoice, submission []byte) (Response, error) {
	sub, err := j.decode(submission)
	if err != nil {
		return Response{}, err
	}
	if err := j.Pipeline.Settle(ctx, inv, sub); err != nil {
		return Response{}, err
	}
	memo := j.PaidMemo
	if memo == "" {
		memo = "Payment successful."
	}
	var echoed jsonPayment
	_ = json.Unmarshal(submission, &echoed)
	body, err := json.Marshal(jsonAck{Payment: echoed, Memo: memo})
	if err != nil {
		return Response{}, err
	}
	return Response{Body: body, Headers: j.headers(JSONAckType, body)}, nil
}

func (j *JSONProtocol) decode(submission []byte) (Submission, error) {
	var payment jsonPayment
	if err := json.Unmarshal(submission, &payment); err != nil {
		return Submission{}, errs.Validation("could not decode payment message")
	}
	if payment.Currency != "BCH" {
		return Submission{}, errs.CurrencyMismatch()
	}
	if len(payment.Transactions) == 0 {
		return Submission{}, errs.Validation("payment carries no transactions")
	}
	sub := Submission{RawTxs: make([][]byte, 0, len(payment.Transactions))}
	for _, txHex := range payment.Transactions {
		raw, err := hex.DecodeString(txHex)
		if err != nil {
			return Submission{}, errs.Validation("transaction is not valid hex")
		}
		sub.RawTxs = append(sub.RawTxs, raw)
	}
	return sub, nil
}

func (j *JSONProtocol) headers(contentType string, body []byte) map[string]string {
	headers := map[string]string{
		"Content-Type":   contentType,
		"Content-Length": strconv.Itoa(len(body)),
	}
	if j.Signer != nil {
		for k, v := range j.Signer.Headers(body) {
			headers[k] = v
		}
	}
	return headers
}

var _ PaymentProtocol = (*JSONProtocol)(nil)
