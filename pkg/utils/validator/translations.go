package validator

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
)

// registerCustomTranslations registers translations for custom validation rules.
func (v *Validator) registerCustomTranslations() {
	register := func(lang string, translations map[string]string) {
		trans := v.trans[lang]
		if trans == nil {
			return
		}
		for tag, message := range translations {
			registerTranslation(v.validate, trans, tag, message)
		}
	}

	register(LangEN, map[string]string{
		TagNotBlank: "{0} must not be blank",
		TagTopicID:  "{0} must be a valid topic id (lowercase letters, numbers, and hyphens)",
	})
	register(LangZH, map[string]string{
		TagNotBlank: "{0}不能为空白",
		TagTopicID:  "{0}必须是有效的主题标识（小写字母、数字和连字符）",
	})
}

// registerTranslation registers a single translation.
func registerTranslation(validate *validator.Validate, trans ut.Translator, tag, message string) {
	_ = validate.RegisterTranslation(tag, trans,
		func(ut ut.Translator) error {
			return ut.Add(tag, message, true)
		},
		func(ut ut.Translator, fe validator.FieldError) string {
			t, _ := ut.T(tag, fe.Field())
			return t
		},
	)
}
