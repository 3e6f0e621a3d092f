package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"github.com/rl1809/kitchen-stock/internal/core/domain"
)

const (
	invoiceEnvelope = `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "supplierName": {"type": ["string", "null"]},
    "invoiceDate":  {"type": ["string", "null"]},
    "totalAmount":  {"type": ["number", "null"]},
    "items":        {"type": "array"}
  }
}`

	receiptEnvelope = `{
  "type": "object",
  "required": ["items"],
  "properties": {
    "receiptDate": {"type": ["string", "null"]},
    "totalAmount": {"type": ["number", "null"]},
    "items":       {"type": "array"}
  }
}`

	invoiceLine = `{
  "type": "object",
  "required": ["itemName", "quantity", "unit"],
  "properties": {
    "itemName":   {"type": "string", "minLength": 1},
    "quantity":   {"type": "number", "exclusiveMinimum": 0},
    "unit":       {"type": "string", "minLength": 1},
    "unitPrice":  {"type": ["number", "null"], "minimum": 0},
    "totalPrice": {"type": ["number", "null"], "minimum": 0}
  }
}`

	receiptLine = `{
  "type": "object",
  "required": ["itemName", "quantity"],
  "properties": {
    "itemName":   {"type": "string", "minLength": 1},
    "quantity":   {"type": "number", "exclusiveMinimum": 0},
    "unitPrice":  {"type": ["number", "null"], "minimum": 0},
    "totalPrice": {"type": ["number", "null"], "minimum": 0}
  }
}`
)

var (
	invoiceEnvelopeSchema = compile("invoice.json", invoiceEnvelope)
	receiptEnvelopeSchema = compile("receipt.json", receiptEnvelope)
	invoiceLineSchema     = compile("invoice-line.json", invoiceLine)
	receiptLineSchema     = compile("receipt-line.json", receiptLine)
)

func compile(url, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("extraction: add schema %s: %v", url, err))
	}
	return c.MustCompile(url)
}

// ParseInvoice validates an extraction service response. A broken envelope
// fails the whole document with domain.ErrMalformedExtraction; a broken
// line only turns that line into a domain.RejectedLine.
func ParseInvoice(data []byte) (domain.InvoiceExtraction, error) {
	doc, items, err := decodeEnvelope(data, invoiceEnvelopeSchema)
	if err != nil {
		return domain.InvoiceExtraction{}, err
	}

	var ext domain.InvoiceExtraction
	if s, ok := doc["supplierName"].(string); ok {
		ext.SupplierName = strings.TrimSpace(s)
	}
	if ext.InvoiceDate, err = parseDate(doc["invoiceDate"]); err != nil {
		return domain.InvoiceExtraction{}, err
	}
	if ext.TotalAmount, err = nullNumber(doc["totalAmount"]); err != nil {
		return domain.InvoiceExtraction{}, err
	}

	ext.Lines = make([]domain.ExtractedLine, 0, len(items))
	for i, raw := range items {
		line, err := validateLine(invoiceLineSchema, raw)
		if err != nil {
			ext.Lines = append(ext.Lines, domain.RejectedLine{Index: i, Reason: err.Error()})
			continue
		}
		item, err := invoiceItem(line)
		if err != nil {
			ext.Lines = append(ext.Lines, domain.RejectedLine{Index: i, Reason: err.Error()})
			continue
		}
		ext.Lines = append(ext.Lines, item)
	}
	return ext, nil
}

func ParseReceipt(data []byte) (domain.ReceiptExtraction, error) {
	doc, items, err := decodeEnvelope(data, receiptEnvelopeSchema)
	if err != nil {
		return domain.ReceiptExtraction{}, err
	}

	var ext domain.ReceiptExtraction
	if ext.ReceiptDate, err = parseDate(doc["receiptDate"]); err != nil {
		return domain.ReceiptExtraction{}, err
	}
	if ext.TotalAmount, err = nullNumber(doc["totalAmount"]); err != nil {
		return domain.ReceiptExtraction{}, err
	}

	ext.Lines = make([]domain.ExtractedLine, 0, len(items))
	for i, raw := range items {
		line, err := validateLine(receiptLineSchema, raw)
		if err != nil {
			ext.Lines = append(ext.Lines, domain.RejectedLine{Index: i, Reason: err.Error()})
			continue
		}
		item, err := receiptItem(line)
		if err != nil {
			ext.Lines = append(ext.Lines, domain.RejectedLine{Index: i, Reason: err.Error()})
			continue
		}
		ext.Lines = append(ext.Lines, item)
	}
	return ext, nil
}

func decodeEnvelope(data []byte, schema *jsonschema.Schema) (map[string]interface{}, []interface{}, error) {
	v, err := decodeJSON(data)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrMalformedExtraction, err)
	}
	if err := schema.Validate(v); err != nil {
		return nil, nil, fmt.Errorf("%w: %s", domain.ErrMalformedExtraction, describe(err))
	}

	doc := v.(map[string]interface{})
	items, _ := doc["items"].([]interface{})
	return doc, items, nil
}

// decodeJSON keeps numbers as json.Number, which is what the validator and
// the decimal conversion expect.
func decodeJSON(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after JSON document")
	}
	return v, nil
}

func validateLine(schema *jsonschema.Schema, raw interface{}) (map[string]interface{}, error) {
	if err := schema.Validate(raw); err != nil {
		return nil, errors.New(describe(err))
	}
	return raw.(map[string]interface{}), nil
}

func invoiceItem(m map[string]interface{}) (domain.InvoiceLineItem, error) {
	name := strings.TrimSpace(m["itemName"].(string))
	unit := strings.TrimSpace(m["unit"].(string))
	if name == "" || unit == "" {
		return domain.InvoiceLineItem{}, errors.New("item name and unit must not be blank")
	}

	item := domain.InvoiceLineItem{ItemName: name, Unit: unit}
	var err error
	if item.Quantity, err = number(m["quantity"]); err != nil {
		return domain.InvoiceLineItem{}, err
	}
	if err := domain.CheckScale(item.Quantity); err != nil {
		return domain.InvoiceLineItem{}, err
	}
	if item.UnitPrice, err = nullNumber(m["unitPrice"]); err != nil {
		return domain.InvoiceLineItem{}, err
	}
	if item.TotalPrice, err = nullNumber(m["totalPrice"]); err != nil {
		return domain.InvoiceLineItem{}, err
	}
	return item, nil
}

func receiptItem(m map[string]interface{}) (domain.ReceiptLineItem, error) {
	name := strings.TrimSpace(m["itemName"].(string))
	if name == "" {
		return domain.ReceiptLineItem{}, errors.New("dish name must not be blank")
	}

	item := domain.ReceiptLineItem{DishName: name}
	var err error
	if item.Quantity, err = number(m["quantity"]); err != nil {
		return domain.ReceiptLineItem{}, err
	}
	if err := domain.CheckScale(item.Quantity); err != nil {
		return domain.ReceiptLineItem{}, err
	}
	if item.UnitPrice, err = nullNumber(m["unitPrice"]); err != nil {
		return domain.ReceiptLineItem{}, err
	}
	if item.TotalPrice, err = nullNumber(m["totalPrice"]); err != nil {
		return domain.ReceiptLineItem{}, err
	}
	return item, nil
}

// number reads a json.Number without going through float64.
func number(v interface{}) (decimal.Decimal, error) {
	n, ok := v.(json.Number)
	if !ok {
		return decimal.Zero, fmt.Errorf("expected a number, got %T", v)
	}
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid number %s: %w", n, err)
	}
	return d, nil
}

func nullNumber(v interface{}) (decimal.NullDecimal, error) {
	if v == nil {
		return decimal.NullDecimal{}, nil
	}
	d, err := number(v)
	if err != nil {
		return decimal.NullDecimal{}, fmt.Errorf("%w: %v", domain.ErrMalformedExtraction, err)
	}
	return decimal.NewNullDecimal(d), nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

func parseDate(v interface{}) (*time.Time, error) {
	s, _ := v.(string)
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("%w: unrecognized date %q", domain.ErrMalformedExtraction, s)
}

// describe flattens a schema error to its most specific messages.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}

	var msgs []string
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}
