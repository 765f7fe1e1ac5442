package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/leadsync/internal/config"
	"github.com/MarcoPoloResearchLab/leadsync/internal/gateway"
	"github.com/MarcoPoloResearchLab/leadsync/internal/leadsync"
	"github.com/MarcoPoloResearchLab/leadsync/internal/logging"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

type clientRuntime struct {
	config  config.ClientConfig
	gateway *gateway.HTTPClient
	logger  *zap.Logger
	level   zap.AtomicLevel
}

func newClientRuntime() (*clientRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, level, err := logging.NewAdjustableLogger(clientConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	return &clientRuntime{
		config: clientConfig,
		gateway: gateway.NewHTTPClient(gateway.ClientConfig{
			BaseURL: clientConfig.APIBaseURL,
			Token:   clientConfig.APIToken,
			Sources: clientConfig.Sources,
		}),
		logger: logger,
		level:  level,
	}, nil
}

func (r *clientRuntime) openEngine(leadID string, onChange func()) (*leadsync.Engine, error) {
	engine, err := leadsync.Open(leadsync.Config{
		LeadID:          leadID,
		AuthorID:        authorID,
		Gateway:         r.gateway,
		MinInterval:     r.config.MinInterval,
		PollPeriod:      r.config.PollPeriod,
		PollingEnabled:  r.config.PollingEnabled,
		StatusWindow:    r.config.StatusWindow,
		ImmediateFields: r.config.ImmediateFields,
		SystemFields:    r.config.SystemFields,
		Logger:          r.logger,
		OnChange:        onChange,
	})
	if err != nil {
		return nil, fmt.Errorf("open lead %s: %w", leadID, err)
	}
	return engine, nil
}
