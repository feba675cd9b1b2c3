package mpesa

import (
	"encoding/json"
	"fmt"
)

// Callback is the asynchronous STK result posted to CallBackURL
type Callback struct {
	Body struct {
		STKCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        int    `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []CallbackItem `json:"Item"`
	} `json:"CallbackMetadata,omitempty"`
}

type CallbackItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// CallbackResult is the flattened outcome of a callback
type CallbackResult struct {
	CheckoutRequestID string
	Succeeded         bool
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	Amount            float64
	Phone             string
}

// ParseCallback decodes a callback body
func ParseCallback(body []byte) (*CallbackResult, error) {
	var cb Callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("failed to parse mpesa callback: %w", err)
	}
	stk := cb.Body.STKCallback
	if stk.CheckoutRequestID == "" {
		return nil, fmt.Errorf("mpesa callback without CheckoutRequestID")
	}

	res := &CallbackResult{
		CheckoutRequestID: stk.CheckoutRequestID,
		Succeeded:         stk.ResultCode == 0,
		ResultCode:        stk.ResultCode,
		ResultDesc:        stk.ResultDesc,
	}
	if stk.CallbackMetadata == nil {
		return res, nil
	}
	for _, item := range stk.CallbackMetadata.Item {
		switch item.Name {
		case "MpesaReceiptNumber":
			res.ReceiptNumber, _ = item.Value.(string)
		case "Amount":
			res.Amount, _ = item.Value.(float64)
		case "PhoneNumber":
			// delivered as a JSON number
			if v, ok := item.Value.(float64); ok {
				res.Phone = fmt.Sprintf("%.0f", v)
			}
		}
	}
	return res, nil
}
