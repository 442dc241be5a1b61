// Package validation содержит проверки входных данных сервиса печати.
package validation

import (
	"github.com/google/uuid"
)

// IsValidFileToken проверяет, что токен задания является корректным UUID.
func IsValidFileToken(token string) bool {
	if token == "" {
		return false
	}
	_, err := uuid.Parse(token)
	return err == nil
}

// IsValidPrinterName проверяет имя принтера: непустая строка из латинских
// букв, цифр, дефисов, точек и подчёркиваний длиной до 127 символов.
func IsValidPrinterName(name string) bool {
	if len(name) == 0 || len(name) > 127 {
		return false
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}
