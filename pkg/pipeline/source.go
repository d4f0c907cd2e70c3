package pipeline

import (
	"fmt"

	"github.com/ogulcanaydogan/ebpf-secstream/pkg/collector"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/config"
	"github.com/ogulcanaydogan/ebpf-secstream/pkg/stream"
)

// BuildDialer returns the transport selected by cfg.Stream.Source.
func BuildDialer(cfg config.Config) (stream.Dialer, error) {
	sc := cfg.Stream
	switch sc.Source {
	case config.SourceWebSocket:
		url := sc.URL
		if url == "" {
			derived, err := stream.WebSocketURL(cfg.API.BaseURL)
			if err != nil {
				return nil, fmt.Errorf("derive stream url: %w", err)
			}
			url = derived
		}
		return stream.WebSocketDialer{
			URL:              url,
			HandshakeTimeout: config.Millis(sc.HandshakeTimeoutMS),
			ReadLimit:        sc.ReadLimitBytes,
		}, nil
	case config.SourceSynthetic:
		return collector.SyntheticSource{
			Scenario: sc.Synthetic.Scenario,
			Interval: config.Millis(sc.Synthetic.IntervalMS),
			Count:    sc.Synthetic.Count,
			Meta: collector.SampleMeta{
				Node:      sc.Synthetic.Node,
				Namespace: sc.Synthetic.Namespace,
				Service:   sc.Synthetic.Service,
				Pod:       sc.Synthetic.Pod,
			},
		}, nil
	case config.SourceRingBuf:
		return collector.RingBufSource{
			PinPath:    sc.RingBuf.PinPath,
			NodeName:   sc.RingBuf.NodeName,
			ResolvePod: collector.CgroupPodResolver(sc.RingBuf.ProcRoot),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported stream source %q", sc.Source)
	}
}

// ReconnectPolicy converts the reconnect settings.
func ReconnectPolicy(cfg config.ReconnectConfig) stream.ReconnectPolicy {
	return stream.ReconnectPolicy{
		Delay:       config.Millis(cfg.DelayMS),
		Exponential: cfg.Exponential,
		MaxDelay:    config.Millis(cfg.MaxDelayMS),
		MaxRetries:  cfg.MaxRetries,
	}
}
