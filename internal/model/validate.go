package model

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/meterlab/internal/apperr"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate runs struct-tag validation on v and reports failures as a
// validation error about entity id.
func Validate(entity, id string, v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.New(apperr.KindValidation, entity, id, eris.Wrap(err, "validate"))
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fe.Namespace()+" failed "+fe.Tag()+"="+fe.Param())
		} else {
			msgs = append(msgs, fe.Namespace()+" failed "+fe.Tag())
		}
	}
	return apperr.Validationf(entity, id, "%s", strings.Join(msgs, "; "))
}
