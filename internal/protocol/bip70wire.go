package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Hand-rolled codec for the five BIP70 messages. The schema is tiny and
// frozen, so the messages are encoded and decoded directly with protowire
// rather than carrying generated code for a .proto that will never change.
//
// Field numbers follow the published BIP70 definitions:
//
//	Output          { amount=1, script=2 }
//	PaymentDetails  { network=1, outputs=2, time=3, expires=4,
//	                  memo=5, payment_url=6, merchant_data=7 }
//	PaymentRequest  { payment_details_version=1, pki_type=2, pki_data=3,
//	                  serialized_payment_details=4, signature=5 }
//	Payment         { merchant_data=1, transactions=2, refund_to=3, memo=4 }
//	PaymentACK      { payment=1, memo=2 }
//	X509Certificates{ certificate=1 }

type bip70Output struct {
	Amount uint64
	Script []byte
}

type bip70Details struct {
	Network      string
	Outputs      []bip70Output
	Time         uint64
	Expires      uint64
	Memo         string
	PaymentURL   string
	MerchantData []byte
}

type bip70Request struct {
	Version           uint32
	PkiType           string
	PkiData           []byte
	SerializedDetails []byte
	Signature         []byte
}

type bip70Payment struct {
	MerchantData []byte
	Transactions [][]byte
	RefundTo     []bip70Output
	Memo         string
}

type bip70Ack struct {
	// Payment is the submitted message echoed back verbatim.
	Payment []byte
	Memo    string
}

func marshalOutput(out bip70Output) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, out.Amount)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, out.Script)
	return b
}

func marshalDetails(d bip70Details) []byte {
	var b []byte
	if d.Network != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, d.Network)
	}
	for _, out := range d.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOutput(out))
	}
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, d.Time)
	if d.Expires != 0 {
		b = protowire.AppendTag(b, 4, protowire.VarintType)
		b = protowire.AppendVarint(b, d.Expires)
	}
	if d.Memo != "" {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, d.Memo)
	}
	if d.PaymentURL != "" {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendString(b, d.PaymentURL)
	}
	if len(d.MerchantData) > 0 {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendBytes(b, d.MerchantData)
	}
	return b
}

func marshalRequest(r bip70Request) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Version))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, r.PkiType)
	if len(r.PkiData) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.PkiData)
	}
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, r.SerializedDetails)
	if r.Signature != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Signature)
	}
	return b
}

func marshalCertChain(certs [][]byte) []byte {
	var b []byte
	for _, cert := range certs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, cert)
	}
	return b
}

func marshalPayment(p bip70Payment) []byte {
	var b []byte
	if len(p.MerchantData) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, p.MerchantData)
	}
	for _, tx := range p.Transactions {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, tx)
	}
	for _, out := range p.RefundTo {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalOutput(out))
	}
	if p.Memo != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, p.Memo)
	}
	return b
}

func marshalAck(a bip70Ack) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, a.Payment)
	if a.Memo != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, a.Memo)
	}
	return b
}

// parseFields walks a protobuf message and hands each field to visit.
// Unknown fields are skipped, matching standard protobuf semantics.
func parseFields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		n, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if n == 0 {
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func parseOutput(b []byte) (bip70Output, error) {
	var out bip70Output
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			out.Amount = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			out.Script = append([]byte(nil), v...)
			return n, nil
		}
		return 0, nil
	})
	return out, err
}

func parsePayment(b []byte) (bip70Payment, error) {
	var p bip70Payment
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case 1:
			p.MerchantData = append([]byte(nil), v...)
		case 2:
			p.Transactions = append(p.Transactions, append([]byte(nil), v...))
		case 3:
			out, err := parseOutput(v)
			if err != nil {
				return 0, fmt.Errorf("refund output: %w", err)
			}
			p.RefundTo = append(p.RefundTo, out)
		case 4:
			p.Memo = string(v)
		}
		return n, nil
	})
	return p, err
}

func parseAck(b []byte) (bip70Ack, error) {
	var a bip70Ack
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return 0, nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		switch num {
		case 1:
			a.Payment = append([]byte(nil), v...)
		case 2:
			a.Memo = string(v)
		}
		return n, nil
	})
	return a, err
}

func parseRequest(b []byte) (bip70Request, error) {
	var r bip70Request
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			r.Version = uint32(v)
			return n, nil
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case 2:
				r.PkiType = string(v)
			case 3:
				r.PkiData = append([]byte(nil), v...)
			case 4:
				r.SerializedDetails = append([]byte(nil), v...)
			case 5:
				r.Signature = append([]byte(nil), v...)
			}
			return n, nil
		}
		return 0, nil
	})
	return r, err
}

func parseDetails(b []byte) (bip70Details, error) {
	var d bip70Details
	err := parseFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case 3:
				d.Time = v
			case 4:
				d.Expires = v
			}
			return n, nil
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			switch num {
			case 1:
				d.Network = string(v)
			case 2:
				out, err := parseOutput(v)
				if err != nil {
					return 0, fmt.Errorf("output: %w", err)
				}
				d.Outputs = append(d.Outputs, out)
			case 5:
				d.Memo = string(v)
			case 6:
				d.PaymentURL = string(v)
			case 7:
				d.MerchantData = append([]byte(nil), v...)
			}
			return n, nil
		}
		return 0, nil
	})
	return d, err
}
