package service

import (
	"fmt"
	"strings"
)

// PromoService validates discount codes from configuration
type PromoService struct {
	codes map[string]int
}

// NewPromoService creates a promo service over a code->percent table
func NewPromoService(codes map[string]int) *PromoService {
	normalized := make(map[string]int, len(codes))
	for code, pct := range codes {
		normalized[strings.ToUpper(strings.TrimSpace(code))] = pct
	}
	return &PromoService{codes: normalized}
}

// Validate returns the discount percent of code. Codes are case-insensitive.
func (s *PromoService) Validate(code string) (int, error) {
	pct, ok := s.codes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return 0, fmt.Errorf("%q: %w", code, ErrInvalidPromo)
	}
	return pct, nil
}
