package connector

import (
	"github.com/renflow/runner/pkg/adapter"
	"github.com/renflow/runner/pkg/adapter/cron"
	"github.com/renflow/runner/pkg/adapter/mock"
	"github.com/renflow/runner/pkg/adapter/onebot"
)

// RegisterBuiltins installs the adapter kinds shipped with renflow:
// onebot (also under its "napcat" alias), mock and cron.
func (m *Manager) RegisterBuiltins() {
	ob := func(base *adapter.Base) (adapter.Adapter, error) {
		return onebot.New(base), nil
	}
	m.RegisterKind(onebot.Kind, ob)
	m.RegisterKind(onebot.Alias, ob)
	m.RegisterKind(mock.Kind, func(base *adapter.Base) (adapter.Adapter, error) {
		return mock.New(base), nil
	})
	m.RegisterKind(cron.Kind, func(base *adapter.Base) (adapter.Adapter, error) {
		if err := cron.Validate(base.Options().GetString("expr", "schedule")); err != nil {
			return nil, err
		}
		return cron.New(base), nil
	})
}
