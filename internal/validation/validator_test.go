package validation

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/antoniostano/botconsole/internal/conversation"
)

var fields = []conversation.PromptField{
	{Name: "name", Label: "Full name", Type: "text", Required: true},
	{Name: "email", Label: "Email", Type: "email", Required: true},
	{Name: "age", Label: "Age", Type: "number"},
	{Name: "phone", Label: "Phone", Type: "phone"},
}

func TestDetailsAcceptsValidInput(t *testing.T) {
	got, err := Details(fields, map[string]string{
		"name":  "  Ada Lovelace ",
		"email": "ada@example.com",
		"age":   "36",
		"phone": "+44 20 7946 0958",
		"extra": "ignored",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"name":  "Ada Lovelace",
		"email": "ada@example.com",
		"age":   "36",
		"phone": "+44 20 7946 0958",
	}, got)
}

func TestDetailsReportsEveryFailure(t *testing.T) {
	_, err := Details(fields, map[string]string{
		"email": "not-an-email",
		"age":   "abc",
	})
	var verr *Error
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 3)
	require.Equal(t, "age", verr.Fields[0].Field)
	require.Equal(t, "email", verr.Fields[1].Field)
	require.Equal(t, "name", verr.Fields[2].Field)
	require.Equal(t, "required", verr.Fields[2].Tag)
}

func TestDetailsOptionalBlankIsSkipped(t *testing.T) {
	got, err := Details(fields, map[string]string{"name": "Ada", "email": "a@b.io", "age": "   "})
	require.NoError(t, err)
	_, ok := got["age"]
	require.False(t, ok)
}

type createBotRequest struct {
	Name string `validate:"required"`
	Type string `validate:"bottype"`
	URL  string `validate:"omitempty,url"`
}

func TestStructTranslatesErrors(t *testing.T) {
	err := Struct(createBotRequest{Type: "fax", URL: "::"})
	var verr *Error
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Fields, 3)

	require.NoError(t, Struct(createBotRequest{Name: "b", Type: "chat", URL: "https://hooks.example/x"}))
}
