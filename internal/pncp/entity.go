package pncp

// EntityType identifies one of the PNCP record families kept in sync
type EntityType string

const (
	// EntityPCA is the annual contracting plan (Plano de Contratações Anual)
	EntityPCA EntityType = "pca"

	// EntityContratacao is a contracting process
	EntityContratacao EntityType = "contratacao"

	// EntityAta is a price registration act (ata de registro de preços)
	EntityAta EntityType = "ata"

	// EntityContrato is a signed contract
	EntityContrato EntityType = "contrato"
)

// upstream collection paths per entity type
var entityPaths = map[EntityType]string{
	EntityPCA:         "pca",
	EntityContratacao: "contratacoes",
	EntityAta:         "atas",
	EntityContrato:    "contratos",
}

// AllEntityTypes returns the full entity catalog in a stable order
func AllEntityTypes() []EntityType {
	return []EntityType{EntityPCA, EntityContratacao, EntityAta, EntityContrato}
}

// Valid reports whether e names a known entity type
func (e EntityType) Valid() bool {
	_, ok := entityPaths[e]
	return ok
}

// Path returns the upstream collection path for the entity type
func (e EntityType) Path() string {
	return entityPaths[e]
}
