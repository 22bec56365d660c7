package services

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/ruralpay/creditcore/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() models.PaymentRequest {
	return models.PaymentRequest{
		AccountID: "acct-1",
		Amount:    decimal.RequireFromString("150.25"),
		Method:    "bank_transfer",
		Reference: "ref-1",
	}
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid request", func(t *testing.T) {
		assert.NoError(t, vh.ValidateStruct(validRequest()))
	})

	t.Run("decimal amounts use numeric tags", func(t *testing.T) {
		for _, amount := range []string{"0", "-0.01"} {
			req := validRequest()
			req.Amount = decimal.RequireFromString(amount)

			err := vh.ValidateStruct(req)
			var verrs validator.ValidationErrors
			require.ErrorAs(t, err, &verrs, amount)
			require.Len(t, verrs, 1)
			assert.Equal(t, "Amount", verrs[0].Field())
			assert.Equal(t, "gt", verrs[0].Tag())
		}
	})

	t.Run("missing fields and unknown strategy", func(t *testing.T) {
		req := models.PaymentRequest{Amount: decimal.NewFromInt(5), Strategy: "newest_first"}

		err := vh.ValidateStruct(req)
		var verrs validator.ValidationErrors
		require.ErrorAs(t, err, &verrs)
		assert.Len(t, verrs, 3)
	})

	t.Run("explicit allocations are checked", func(t *testing.T) {
		req := validRequest()
		req.ExplicitAllocations = []models.AllocationInput{{InvoiceID: "", Amount: decimal.Zero}}

		reasons := vh.Reasons(vh.ValidateStruct(req))
		assert.ElementsMatch(t, []string{
			"PaymentRequest.ExplicitAllocations[0].InvoiceID failed 'required'",
			"PaymentRequest.ExplicitAllocations[0].Amount failed 'gt=0'",
		}, reasons)
	})
}

func TestValidationHelper_Reasons(t *testing.T) {
	vh := NewValidationHelper()
	assert.Nil(t, vh.Reasons(nil))
	assert.Equal(t, []string{assert.AnError.Error()}, vh.Reasons(assert.AnError))
}

func TestSendErrorResponse(t *testing.T) {
	t.Run("plain error", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Something went wrong", http.StatusInternalServerError, nil)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, "Something went wrong", response.Error)
		assert.Nil(t, response.Details)
	})

	t.Run("tag failures", func(t *testing.T) {
		vh := NewValidationHelper()
		err := vh.ValidateStruct(models.PaymentRequest{})

		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)

		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Contains(t, response.Details, "AccountID")
		assert.Contains(t, response.Details, "Amount")
		assert.Contains(t, response.Details, "Method")
	})

	t.Run("rule violations", func(t *testing.T) {
		w := httptest.NewRecorder()
		SendErrorResponse(w, "Validation failed", http.StatusBadRequest, &ValidationError{
			Reasons: []string{"amount exceeds outstanding balance", "reference already used"},
		})

		assert.Equal(t, http.StatusBadRequest, w.Code)
		var response ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.Equal(t, map[string]string{
			"reason_1": "amount exceeds outstanding balance",
			"reason_2": "reference already used",
		}, response.Details)
	})
}
