package yamlstore

import "github.com/kirillkom/invoice-intake/internal/core/domain"

// DefaultTaxonomy is the seed used when no taxonomy file exists yet.
// Compound types come first so substring tiers prefer them.
func DefaultTaxonomy() []domain.DocTypeDefinition {
	return []domain.DocTypeDefinition{
		{
			ID:       "fatura-recibo",
			Label:    "Fatura-Recibo",
			Synonyms: []string{"FR", "Fatura Recibo", "invoice-receipt"},
			Keywords: []string{"fatura-recibo", "fatura/recibo"},
		},
		{
			ID:       "nota-credito",
			Label:    "Nota de Crédito",
			Synonyms: []string{"NC", "Nota de Credito", "credit note"},
			Keywords: []string{"crédito", "credito"},
		},
		{
			ID:       "nota-debito",
			Label:    "Nota de Débito",
			Synonyms: []string{"ND", "Nota de Debito", "debit note"},
			Keywords: []string{"débito", "debito"},
		},
		{
			ID:       "guia-remessa",
			Label:    "Guia de Remessa",
			Synonyms: []string{"GR", "GT", "Guia de Transporte", "delivery note"},
			Keywords: []string{"remessa", "transporte"},
		},
		{
			ID:       "fatura",
			Label:    "Fatura",
			Synonyms: []string{"FT", "Fatura Simplificada", "FS", "invoice"},
			Keywords: []string{"fatura", "factura"},
		},
		{
			ID:       "recibo",
			Label:    "Recibo",
			Synonyms: []string{"RC", "RE", "receipt"},
			Keywords: []string{"recibo"},
		},
	}
}
