package branch

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/emergent-company/branchgraph/pkg/apperror"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("branchname", validBranchName)
}

// CreateRequest holds the parameters of a branch creation.
type CreateRequest struct {
	Name        string `json:"name" validate:"required,branchname"`
	Origin      string `json:"origin_branch,omitempty" validate:"omitempty,branchname"`
	Description string `json:"description,omitempty" validate:"max=1024"`
	// IsIsolated defaults to true.
	IsIsolated  *bool `json:"is_isolated,omitempty"`
	SyncWithGit bool  `json:"sync_with_git,omitempty"`
}

// Validate checks the request and returns every failure at once.
func (r *CreateRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return apperror.NewBadRequest(err.Error())
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("invalid field %s: failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return apperror.NewValidationFailed(msgs)
}

// ValidName reports whether name is acceptable as a branch name.
func ValidName(name string) bool {
	return validate.Var(name, "branchname") == nil
}

// validBranchName follows git ref rules: 3 to 250 characters, no whitespace
// or control characters, no "..", "@{" or backslash, no special ref
// characters, and no leading or trailing slash.
func validBranchName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if len(name) < 3 || len(name) > 250 {
		return false
	}
	if strings.Contains(name, "..") || strings.Contains(name, "@{") || strings.Contains(name, "//") {
		return false
	}
	if strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".lock") || strings.HasSuffix(name, ".") {
		return false
	}
	for _, r := range name {
		if unicode.IsSpace(r) || unicode.IsControl(r) || strings.ContainsRune(`\~^:?*[`, r) {
			return false
		}
	}
	return true
}
