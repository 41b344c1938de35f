package detect

import (
	"fmt"

	"aegisflux/nets/internal/model"
)

type lateralMovement struct {
	once
	ports map[uint16]struct{}
}

func newLateralMovement(cfg Config) *lateralMovement {
	return &lateralMovement{once: newOnce(cfg, cfg.DedupeWindow), ports: portSet(cfg.LateralPorts)}
}

func (d *lateralMovement) ID() string { return RuleLateralMovement }

func (d *lateralMovement) Observe(f *model.NormalizedFlow) []*model.Alert {
	if f.Direction != model.DirectionLateral || f.State == model.StateListen {
		return nil
	}
	port := f.Key.DstPort
	if _, ok := d.ports[port]; !ok {
		return nil
	}
	if !model.IsLocalScope(f.Key.SrcIP) || !model.IsLocalScope(f.Key.DstIP) {
		return nil
	}

	key := fmt.Sprintf("%s|%s|%d", f.Key.SrcIP, f.Key.DstIP, port)
	if !d.first(key, f.TsLast) {
		return nil
	}

	service := f.App()
	if service == "" {
		service = fmt.Sprintf("port %d", port)
	}
	return []*model.Alert{newAlert(RuleLateralMovement, model.SeverityMedium, f, key,
		fmt.Sprintf("Lateral %s connection %s -> %s", service, f.Key.SrcIP, f.Key.DstIP),
		fmt.Sprintf("%s opened a %s session between private hosts %s and %s:%d", procLabel(f), service, f.Key.SrcIP, f.Key.DstIP, port),
		"Confirm the administrative session is expected",
	)}
}
