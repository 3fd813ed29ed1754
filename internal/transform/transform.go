// Package transform maps raw upstream payloads into validated canonical
// records. It is the only place upstream JSON is parsed into typed data;
// everything past this boundary works with CanonicalRecord.
package transform

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/searcb/pncp-sync/internal/domaincache"
	"github.com/searcb/pncp-sync/internal/pncp"
)

// CodeResolver looks up a reference code's display name. Implemented by the
// domain cache.
type CodeResolver interface {
	Lookup(ctx context.Context, category string, code int) (string, bool, error)
}

// ValidationError reports a structurally malformed payload. The raw payload
// is preserved so the unit can be dead-lettered and reprocessed later.
type ValidationError struct {
	EntityType pncp.EntityType
	ExternalID string
	Field      string
	Reason     string
	Raw        json.RawMessage
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s record %q: %s (%s)", e.EntityType, e.ExternalID, e.Reason, e.Field)
}

// CanonicalRecord is the normalized, typed representation of one external
// entity. ControlNumber is the natural key.
type CanonicalRecord struct {
	EntityType    pncp.EntityType `json:"entityType"`
	ControlNumber string          `json:"controlNumber"`
	Year          int             `json:"year"`

	CNPJ    string `json:"cnpj"`
	OrgName string `json:"orgName"`
	UF      string `json:"uf,omitempty"`

	ModalityID     int    `json:"modalityId,omitempty"`
	ModalityName   string `json:"modalityName,omitempty"`
	SituationID    int    `json:"situationId,omitempty"`
	SituationName  string `json:"situationName,omitempty"`
	LegalBasisCode int    `json:"legalBasisCode,omitempty"`
	LegalBasisName string `json:"legalBasisName,omitempty"`

	Object         string `json:"object,omitempty"`
	TotalEstimated string `json:"totalEstimated,omitempty"`
	TotalApproved  string `json:"totalApproved,omitempty"`

	PublishedAt time.Time `json:"publishedAt,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`

	// Raw keeps the full upstream payload, unrecognized fields included,
	// for forward compatibility.
	Raw json.RawMessage `json:"-"`

	// Hash is the sha256 of the normalized content, used for idempotent upserts
	Hash string `json:"-"`

	// Warnings carries non-fatal anomalies, e.g. unrecognized reference codes
	Warnings []string `json:"-"`
}

// rawPayload is the strict parse of the fields the canonical record needs.
// Reference data nests differently per entity type; the aliases cover the
// known variants.
type rawPayload struct {
	NumeroControlePNCP string `json:"numeroControlePNCP"`
	AnoCompra          int    `json:"anoCompra"`
	AnoContrato        int    `json:"anoContrato"`
	Ano                int    `json:"ano"`

	OrgaoEntidade struct {
		CNPJ        string `json:"cnpj"`
		RazaoSocial string `json:"razaoSocial"`
	} `json:"orgaoEntidade"`

	UnidadeOrgao struct {
		UFSigla string `json:"ufSigla"`
	} `json:"unidadeOrgao"`

	ModalidadeID     int    `json:"modalidadeId"`
	ModalidadeNome   string `json:"modalidadeNome"`
	SituacaoCompraID int    `json:"situacaoCompraId"`
	SituacaoNome     string `json:"situacaoCompraNome"`

	AmparoLegal struct {
		Codigo int    `json:"codigo"`
		Nome   string `json:"nome"`
	} `json:"amparoLegal"`

	ObjetoCompra string `json:"objetoCompra"`
	ObjetoAta    string `json:"objetoContratacao"`

	ValorTotalEstimado  json.Number `json:"valorTotalEstimado"`
	ValorTotalHomologdo json.Number `json:"valorTotalHomologado"`
	ValorInicial        json.Number `json:"valorInicial"`

	DataPublicacaoPNCP string `json:"dataPublicacaoPncp"`
	DataAtualizacao    string `json:"dataAtualizacao"`
}

// Transformer validates raw records and cross-checks reference codes
type Transformer struct {
	codes CodeResolver
}

// NewTransformer creates a Transformer that resolves reference codes
// through the given resolver (normally the domain cache)
func NewTransformer(codes CodeResolver) *Transformer {
	return &Transformer{codes: codes}
}

// Transform validates and normalizes one raw record. A malformed structural
// field yields a *ValidationError carrying the raw payload; an unrecognized
// but well-formed reference code is accepted with a warning so ingestion is
// never blocked on taxonomy lag.
func (t *Transformer) Transform(ctx context.Context, raw pncp.RawRecord) (*CanonicalRecord, error) {
	fail := func(field, reason string) error {
		return &ValidationError{
			EntityType: raw.EntityType,
			ExternalID: raw.ExternalID,
			Field:      field,
			Reason:     reason,
			Raw:        raw.Payload,
		}
	}

	var p rawPayload
	if err := json.Unmarshal(raw.Payload, &p); err != nil {
		return nil, fail("payload", fmt.Sprintf("not a valid JSON object: %v", err))
	}

	controlNumber := p.NumeroControlePNCP
	if controlNumber == "" {
		controlNumber = raw.ExternalID
	}
	if controlNumber == "" {
		return nil, fail("numeroControlePNCP", "missing control identifier")
	}
	if !ValidControlNumber(controlNumber) {
		return nil, fail("numeroControlePNCP", "malformed control identifier")
	}

	year := firstNonZero(p.AnoCompra, p.AnoContrato, p.Ano, raw.Year)
	if year == 0 {
		return nil, fail("ano", "missing reference year")
	}

	cnpj := NormalizeCNPJ(p.OrgaoEntidade.CNPJ)
	if cnpj == "" {
		return nil, fail("orgaoEntidade.cnpj", "missing tax id")
	}
	if !ValidCNPJ(cnpj) {
		return nil, fail("orgaoEntidade.cnpj", "invalid tax id check digits")
	}

	rec := &CanonicalRecord{
		EntityType:     raw.EntityType,
		ControlNumber:  controlNumber,
		Year:           year,
		CNPJ:           cnpj,
		OrgName:        p.OrgaoEntidade.RazaoSocial,
		ModalityID:     p.ModalidadeID,
		ModalityName:   p.ModalidadeNome,
		SituationID:    p.SituacaoCompraID,
		SituationName:  p.SituacaoNome,
		LegalBasisCode: p.AmparoLegal.Codigo,
		LegalBasisName: p.AmparoLegal.Nome,
		Object:         firstNonEmpty(p.ObjetoCompra, p.ObjetoAta),
		Raw:            raw.Payload,
	}

	if p.UnidadeOrgao.UFSigla != "" {
		if !ValidUF(p.UnidadeOrgao.UFSigla) {
			rec.warn("unrecognized UF %q", p.UnidadeOrgao.UFSigla)
		} else {
			rec.UF = p.UnidadeOrgao.UFSigla
		}
	}

	var err error
	if rec.TotalEstimated, err = normalizeAmount(p.ValorTotalEstimado); err != nil {
		return nil, fail("valorTotalEstimado", err.Error())
	}
	approved := p.ValorTotalHomologdo
	if approved == "" {
		approved = p.ValorInicial
	}
	if rec.TotalApproved, err = normalizeAmount(approved); err != nil {
		return nil, fail("valorTotalHomologado", err.Error())
	}

	if p.DataPublicacaoPNCP != "" {
		published, ok := ParseDate(p.DataPublicacaoPNCP)
		if !ok {
			return nil, fail("dataPublicacaoPncp", "malformed date")
		}
		rec.PublishedAt = published
	}
	if p.DataAtualizacao != "" {
		updated, ok := ParseDate(p.DataAtualizacao)
		if !ok {
			return nil, fail("dataAtualizacao", "malformed date")
		}
		rec.UpdatedAt = updated
	}

	t.checkCode(ctx, rec, domaincache.CategoryModalities, "modality", rec.ModalityID)
	t.checkCode(ctx, rec, domaincache.CategorySituations, "situation", rec.SituationID)
	t.checkCode(ctx, rec, domaincache.CategoryLegalBases, "legal basis", rec.LegalBasisCode)

	rec.Hash = contentHash(rec)
	return rec, nil
}

// checkCode cross-checks one reference code against the domain cache.
// Unknown codes and cache failures downgrade to warnings: the upstream
// registry adds codes before local reference tables catch up.
func (t *Transformer) checkCode(ctx context.Context, rec *CanonicalRecord, category, label string, code int) {
	if code == 0 || t.codes == nil {
		return
	}
	name, ok, err := t.codes.Lookup(ctx, category, code)
	if err != nil {
		rec.warn("%s code %d not verified: %v", label, code, err)
		return
	}
	if !ok {
		rec.warn("unrecognized %s code %d", label, code)
		return
	}
	// Prefer the local reference name when the payload carried none
	switch {
	case label == "modality" && rec.ModalityName == "":
		rec.ModalityName = name
	case label == "situation" && rec.SituationName == "":
		rec.SituationName = name
	case label == "legal basis" && rec.LegalBasisName == "":
		rec.LegalBasisName = name
	}
}

func (r *CanonicalRecord) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// contentHash computes the sha256 of the normalized content fields.
// Raw, Warnings and the hash itself are excluded.
func contentHash(rec *CanonicalRecord) string {
	data, _ := json.Marshal(rec)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeAmount(n json.Number) (string, error) {
	if n == "" {
		return "", nil
	}
	s := n.String()
	if !ValidDecimal(s) {
		return "", fmt.Errorf("non-numeric or out-of-range amount %q", s)
	}
	return s, nil
}

func firstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
