package runtime

import "strings"

// FlowConfig is a declarative flow definition loaded from flows/flow-<name>.{json,yaml}.
type FlowConfig struct {
	Name           string                       `json:"name" validate:"required"`
	Version        string                       `json:"version,omitempty"`
	Inputs         []string                     `json:"inputs" validate:"required,min=1,dive,required"`
	Settings       FlowSettings                 `json:"settings"`
	Datasets       []DatasetConfig              `json:"datasets" validate:"required,min=1,dive"`
	Mapping        map[string]string            `json:"mapping,omitempty"`
	Collections    map[string]CollectionBinding `json:"collections,omitempty" validate:"dive"`
	Derived        map[string]DerivedItem       `json:"derived,omitempty"`
	Templates      map[string]TemplateGroup     `json:"templates,omitempty" validate:"dive"`
	Audit          AuditConfig                  `json:"audit"`
	PostProcessing *PostProcessingConfig        `json:"postProcessing,omitempty"`
}

type FlowSettings struct {
	FailFast bool   `json:"failFast"`
	Timezone string `json:"timezone,omitempty"`
}

// DatasetType tags the dataset variant. Matching is case-insensitive.
type DatasetType string

const (
	DatasetSQL    DatasetType = "sql"
	DatasetRawSQL DatasetType = "rawSql"
	DatasetHTTP   DatasetType = "http"
)

// ParseDatasetType normalises a configured type token. ok is false for unknown tokens.
func ParseDatasetType(s string) (DatasetType, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sql":
		return DatasetSQL, true
	case "rawsql":
		return DatasetRawSQL, true
	case "http":
		return DatasetHTTP, true
	}
	return "", false
}

type ResultMode string

const (
	ResultSingle ResultMode = "single"
	ResultArray  ResultMode = "array"
)

type DatasetConfig struct {
	Name     string       `json:"name" validate:"required"`
	Type     string       `json:"type" validate:"required,dataset_type"`
	Database string       `json:"database,omitempty"`
	Result   ResultConfig `json:"result"`
	Cache    *CacheConfig `json:"cache,omitempty"`

	// sql
	From          string        `json:"from,omitempty"`
	Select        []string      `json:"select,omitempty"`
	SelectDerived []string      `json:"selectDerived,omitempty"`
	Joins         []JoinConfig  `json:"joins,omitempty" validate:"dive"`
	Where         []WhereConfig `json:"where,omitempty" validate:"dive"`
	OrderBy       []string      `json:"orderBy,omitempty"`
	Limit         *int          `json:"limit,omitempty" validate:"omitempty,gte=0"`

	// rawSql
	SQL    string            `json:"sql,omitempty"`
	Params map[string]string `json:"params,omitempty"`

	// http
	HTTP        *HTTPConfig       `json:"http,omitempty"`
	Extract     map[string]string `json:"extract,omitempty"`
	ResultPaths []ResultPath      `json:"resultPaths,omitempty" validate:"dive"`
	OnFailure   *OnFailureConfig  `json:"onFailure,omitempty"`
}

// Kind returns the normalised dataset type; the zero value for unknown types.
func (d *DatasetConfig) Kind() DatasetType {
	t, _ := ParseDatasetType(d.Type)
	return t
}

// Mode returns the configured result mode, defaulting to array.
func (d *DatasetConfig) Mode() ResultMode {
	if strings.EqualFold(d.Result.Mode, string(ResultSingle)) {
		return ResultSingle
	}
	return ResultArray
}

// DatabaseName returns the logical connection name, defaulting to "primary".
func (d *DatasetConfig) DatabaseName() string {
	if d.Database == "" {
		return DefaultDatabase
	}
	return d.Database
}

const DefaultDatabase = "primary"

type ResultConfig struct {
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=single array"`
}

type CacheConfig struct {
	Enabled bool   `json:"enabled"`
	TTLSec  int    `json:"ttlSec" validate:"gte=0"`
	Key     string `json:"key,omitempty"`
}

type JoinConfig struct {
	Type  string `json:"type,omitempty"`
	Table string `json:"table" validate:"required"`
	On    string `json:"on" validate:"required"`
}

type WhereConfig struct {
	Field     string `json:"field" validate:"required"`
	Op        string `json:"op" validate:"required"`
	Value     any    `json:"value,omitempty"`
	ValueFrom string `json:"valueFrom,omitempty"`
}

type HTTPConfig struct {
	Method       string            `json:"method,omitempty"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers,omitempty"`
	TimeoutMs    int               `json:"timeoutMs,omitempty" validate:"gte=0"`
	Retry        *RetryConfig      `json:"retry,omitempty"`
	BodyTemplate string            `json:"bodyTemplate,omitempty"`
	ResultPath   string            `json:"resultPath,omitempty"`
}

// RetryConfig controls the linear retry policy of HTTP datasets.
// MaxAttempts counts every attempt, including the first.
type RetryConfig struct {
	MaxAttempts int `json:"maxAttempts" default:"3" validate:"gte=1"`
	BackoffMs   int `json:"backoffMs" default:"500" validate:"gte=0"`
}

type ResultPath struct {
	As   string `json:"as" validate:"required"`
	Path string `json:"path" validate:"required"`
}

type OnFailureConfig struct {
	Enabled        bool           `json:"enabled"`
	FallbackType   string         `json:"fallbackType"`
	FallbackConfig FallbackConfig `json:"fallbackConfig"`
}

type FallbackConfig struct {
	SQL string `json:"sql"`
}

// IsRawSQL reports whether the fallback is an enabled raw SQL query.
func (o *OnFailureConfig) IsRawSQL() bool {
	return o != nil && o.Enabled && strings.EqualFold(o.FallbackType, "rawSQL") && strings.TrimSpace(o.FallbackConfig.SQL) != ""
}

type CollectionBinding struct {
	From string `json:"from" validate:"required"`
}

// DerivedItem holds exactly one of SumCollectionField or Expr.
type DerivedItem struct {
	SumCollectionField *SumCollectionField `json:"sumCollectionField,omitempty"`
	Expr               string              `json:"expr,omitempty"`
}

type SumCollectionField struct {
	Collection string `json:"collection"`
	Field      string `json:"field"`
}

type TemplateGroup struct {
	Default string         `json:"default" validate:"required"`
	Rules   []TemplateRule `json:"rules,omitempty" validate:"dive"`
}

type TemplateRule struct {
	If       []Condition `json:"if"`
	Template string      `json:"template" validate:"required"`
}

type Condition struct {
	Path  string `json:"path" validate:"required"`
	Op    string `json:"op" validate:"required"`
	Value any    `json:"value,omitempty"`
}

type AuditConfig struct {
	Trace TraceConfig `json:"trace"`
}

type TraceConfig struct {
	Enabled bool     `json:"enabled"`
	Fields  []string `json:"fields,omitempty"`
}

// Includes reports whether a debug section is named in the trace allow-list.
func (t TraceConfig) Includes(field string, aliases ...string) bool {
	if !t.Enabled {
		return false
	}
	for _, f := range t.Fields {
		if strings.EqualFold(f, field) {
			return true
		}
		for _, a := range aliases {
			if strings.EqualFold(f, a) {
				return true
			}
		}
	}
	return false
}

type ExecutionMode string

const (
	ModeSequential  ExecutionMode = "sequential"
	ModeConditional ExecutionMode = "conditional"
	ModeParallel    ExecutionMode = "parallel"
)

type PostProcessingConfig struct {
	ExecutionMode string                     `json:"executionMode,omitempty" validate:"omitempty,oneof=sequential conditional parallel"`
	Order         []string                   `json:"order,omitempty"`
	Endpoints     []EndpointInvocationConfig `json:"endpoints" validate:"unique=ID,dive"`
}

// Mode returns the execution mode, defaulting to sequential.
func (p *PostProcessingConfig) Mode() ExecutionMode {
	switch ExecutionMode(strings.ToLower(p.ExecutionMode)) {
	case ModeConditional:
		return ModeConditional
	case ModeParallel:
		return ModeParallel
	}
	return ModeSequential
}

type EndpointInvocationConfig struct {
	ID              string               `json:"id" validate:"required"`
	Name            string               `json:"name,omitempty"`
	Enabled         *bool                `json:"enabled,omitempty"`
	ExecuteIf       string               `json:"executeIf,omitempty"`
	Endpoint        EndpointConfig       `json:"endpoint"`
	Payload         *PayloadConfig       `json:"payload,omitempty"`
	ResponseMapping map[string]string    `json:"responseMapping,omitempty"`
	ErrorHandling   *ErrorHandlingConfig `json:"errorHandling,omitempty"`
	Audit           *EndpointAudit       `json:"audit,omitempty"`
}

// IsEnabled defaults to true when the flag is absent.
func (e *EndpointInvocationConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// DisplayName prefers the configured name over the id.
func (e *EndpointInvocationConfig) DisplayName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.ID
}

type EndpointConfig struct {
	Name string      `json:"name,omitempty"`
	Type string      `json:"type,omitempty"`
	HTTP *HTTPConfig `json:"http" validate:"required"`
}

type MergeStrategy string

const (
	MergeTemplateFirst   MergeStrategy = "templateFirst"
	MergeAdditionalFirst MergeStrategy = "additionalFirst"
)

type PayloadConfig struct {
	UseTemplateResult bool           `json:"useTemplateResult"`
	TemplateSource    string         `json:"templateSource,omitempty"`
	MergeStrategy     string         `json:"mergeStrategy,omitempty"`
	AdditionalData    map[string]any `json:"additionalData,omitempty"`
	StaticPayload     map[string]any `json:"staticPayload,omitempty"`
	TemplateFile      string         `json:"templateFile,omitempty"`
	Rules             []TemplateRule `json:"rules,omitempty"`
}

type ErrorStrategy string

const (
	StrategyFailFast ErrorStrategy = "failFast"
	StrategyContinue ErrorStrategy = "continue"
	StrategyRetry    ErrorStrategy = "retry"
)

type ErrorHandlingConfig struct {
	Strategy     string `json:"strategy,omitempty"`
	MaxRetries   int    `json:"maxRetries,omitempty" validate:"gte=0"`
	RetryDelayMs int    `json:"retryDelayMs,omitempty" validate:"gte=0"`
	DefaultValue any    `json:"defaultValue,omitempty"`
}

// ResolveStrategy returns the configured strategy. A present errorHandling block
// without a strategy means failFast; no block at all means continue.
func (e *ErrorHandlingConfig) ResolveStrategy() ErrorStrategy {
	if e == nil {
		return StrategyContinue
	}
	switch strings.ToLower(e.Strategy) {
	case "", strings.ToLower(string(StrategyFailFast)):
		return StrategyFailFast
	case string(StrategyRetry):
		return StrategyRetry
	}
	return StrategyContinue
}

type EndpointAudit struct {
	LogRequest  bool `json:"logRequest"`
	LogResponse bool `json:"logResponse"`
	LogErrors   bool `json:"logErrors"`
}
