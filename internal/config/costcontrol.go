// Section type re-exports.
//
// DESIGN: Section types live next to the code that consumes them
// (costcontrol, access, backend, kvstore, membership). This file re-exports
// them for use by the main Config struct.
package config

import (
	"github.com/compresr/chat-gateway/internal/access"
	"github.com/compresr/chat-gateway/internal/backend"
	"github.com/compresr/chat-gateway/internal/costcontrol"
	"github.com/compresr/chat-gateway/internal/kvstore"
	"github.com/compresr/chat-gateway/internal/membership"
)

// BudgetConfig is an alias for costcontrol.BudgetConfig.
type BudgetConfig = costcontrol.BudgetConfig

// PricingConfig is an alias for costcontrol.PricingConfig.
type PricingConfig = costcontrol.PricingConfig

// AccessConfig is an alias for access.Config.
type AccessConfig = access.Config

// ModelConfig is an alias for backend.Config.
type ModelConfig = backend.Config

// StoreConfig is an alias for kvstore.Config.
type StoreConfig = kvstore.Config

// MatrixConfig is an alias for membership.MatrixConfig.
type MatrixConfig = membership.MatrixConfig
