// Package options contains flags and options for initializing the fincheck server.
package options

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	finchecksvc "github.com/kart-io/fincheck/internal/fincheck"
	"github.com/kart-io/fincheck/pkg/infra/tracing"
	cacheopts "github.com/kart-io/fincheck/pkg/options/cache"
	finopts "github.com/kart-io/fincheck/pkg/options/fincheck"
	httpopts "github.com/kart-io/fincheck/pkg/options/http"
	llmopts "github.com/kart-io/fincheck/pkg/options/llm"
	logopts "github.com/kart-io/fincheck/pkg/options/logger"
	milvusopts "github.com/kart-io/fincheck/pkg/options/milvus"
	pgopts "github.com/kart-io/fincheck/pkg/options/postgres"
)

// ServerOptions contains the configuration options for the server.
type ServerOptions struct {
	// HTTPOptions contains HTTP server configuration.
	HTTPOptions *httpopts.Options `json:"http" mapstructure:"http"`

	// LogOptions contains logger configuration.
	LogOptions *logopts.Options `json:"log" mapstructure:"log"`

	// TracingOptions contains OpenTelemetry configuration.
	TracingOptions *tracing.Options `json:"tracing" mapstructure:"tracing"`

	// MilvusOptions contains Milvus database configuration.
	MilvusOptions *milvusopts.Options `json:"milvus" mapstructure:"milvus"`

	// PostgresOptions contains pgvector database configuration.
	PostgresOptions *pgopts.Options `json:"postgres" mapstructure:"postgres"`

	// EmbeddingOptions contains embedding provider configuration.
	EmbeddingOptions *llmopts.ProviderOptions `json:"embedding" mapstructure:"embedding"`

	// ChatOptions contains chat provider configuration.
	ChatOptions *llmopts.ProviderOptions `json:"chat" mapstructure:"chat"`

	// FincheckOptions contains question answering pipeline configuration.
	FincheckOptions *finopts.Options `json:"fincheck" mapstructure:"fincheck"`

	// CacheOptions contains cache configuration.
	CacheOptions *cacheopts.Options `json:"cache" mapstructure:"cache"`
}

// NewServerOptions creates a ServerOptions instance with default values.
func NewServerOptions() *ServerOptions {
	return &ServerOptions{
		HTTPOptions:      httpopts.NewOptions(),
		LogOptions:       logopts.NewOptions(),
		TracingOptions:   tracing.NewOptions(),
		MilvusOptions:    milvusopts.NewOptions(),
		PostgresOptions:  pgopts.NewOptions(),
		EmbeddingOptions: llmopts.NewEmbeddingOptions(),
		ChatOptions:      llmopts.NewChatOptions(),
		FincheckOptions:  finopts.NewOptions(),
		CacheOptions:     cacheopts.NewOptions(),
	}
}

// Flags returns flags for a specific server by section name.
func (o *ServerOptions) Flags() (fss cliflag.NamedFlagSets) {
	o.HTTPOptions.AddFlags(fss.FlagSet("http"))
	o.LogOptions.AddFlags(fss.FlagSet("log"))
	o.TracingOptions.AddFlags(fss.FlagSet("tracing"))
	o.MilvusOptions.AddFlags(fss.FlagSet("milvus"))
	o.PostgresOptions.AddFlags(fss.FlagSet("postgres"))
	o.EmbeddingOptions.AddFlags(fss.FlagSet("embedding"), "embedding")
	o.ChatOptions.AddFlags(fss.FlagSet("chat"), "chat")
	o.FincheckOptions.AddFlags(fss.FlagSet("fincheck"))
	o.CacheOptions.AddFlags(fss.FlagSet("cache"))

	return fss
}

// Complete completes all the required options.
func (o *ServerOptions) Complete() error {
	if err := o.HTTPOptions.Complete(); err != nil {
		return err
	}
	if err := o.TracingOptions.Complete(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := o.PostgresOptions.Complete(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if err := o.EmbeddingOptions.Complete(); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	if err := o.ChatOptions.Complete(); err != nil {
		return fmt.Errorf("chat: %w", err)
	}
	if err := o.FincheckOptions.Complete(); err != nil {
		return fmt.Errorf("fincheck: %w", err)
	}
	if err := o.CacheOptions.Complete(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	return nil
}

// Validate checks whether the options in ServerOptions are valid.
func (o *ServerOptions) Validate() error {
	errs := []error{}

	errs = append(errs, o.HTTPOptions.Validate()...)
	errs = append(errs, o.LogOptions.Validate()...)
	errs = append(errs, o.TracingOptions.Validate()...)
	errs = append(errs, o.EmbeddingOptions.Validate()...)
	errs = append(errs, o.ChatOptions.Validate()...)
	errs = append(errs, o.FincheckOptions.Validate()...)
	errs = append(errs, o.CacheOptions.Validate()...)

	// 只校验实际启用的存储后端
	switch o.FincheckOptions.StoreBackend {
	case finopts.StoreMilvus:
		errs = append(errs, o.MilvusOptions.Validate()...)
	case finopts.StorePGVector:
		errs = append(errs, o.PostgresOptions.Validate()...)
	}

	if o.HTTPOptions.WriteTimeout < o.FincheckOptions.GenerateTimeout {
		errs = append(errs, fmt.Errorf("http.write-timeout (%s) must not be shorter than fincheck.generate-timeout (%s)",
			o.HTTPOptions.WriteTimeout, o.FincheckOptions.GenerateTimeout))
	}

	return utilerrors.NewAggregate(errs)
}

// Config builds a finchecksvc.Config based on ServerOptions.
func (o *ServerOptions) Config() (*finchecksvc.Config, error) {
	return &finchecksvc.Config{
		HTTPOptions:      o.HTTPOptions,
		LogOptions:       o.LogOptions,
		TracingOptions:   o.TracingOptions,
		MilvusOptions:    o.MilvusOptions,
		PostgresOptions:  o.PostgresOptions,
		EmbeddingOptions: o.EmbeddingOptions,
		ChatOptions:      o.ChatOptions,
		FincheckOptions:  o.FincheckOptions,
		CacheOptions:     o.CacheOptions,
	}, nil
}
