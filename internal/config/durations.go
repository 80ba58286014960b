package config

import "time"

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (s Signaling) ReconnectDelay() time.Duration    { return ms(s.ReconnectDelayMs) }
func (s Signaling) ReconnectDelayMax() time.Duration { return ms(s.ReconnectDelayMaxMs) }
func (s Signaling) Timeout() time.Duration           { return ms(s.TimeoutMs) }
func (s Signaling) FallbackPause() time.Duration     { return ms(s.FallbackPauseMs) }
func (s Signaling) StabilityInterval() time.Duration {
	return time.Duration(s.StabilityIntervalSec) * time.Second
}

func (c Call) GatherTimeout() time.Duration { return ms(c.GatherTimeoutMs) }
func (c Call) RestartWindow() time.Duration {
	return time.Duration(c.RestartWindowSec) * time.Second
}

func (t Translation) FlushInterval() time.Duration   { return ms(t.FlushIntervalMs) }
func (t Translation) ParticipantWait() time.Duration { return ms(t.ParticipantWaitMs) }
func (t Translation) ResponseTimeout() time.Duration { return ms(t.ResponseTimeoutMs) }

func (p Playback) Grace() time.Duration           { return ms(p.GraceMs) }
func (p Playback) FallbackTimeout() time.Duration { return ms(p.FallbackTimeoutMs) }

func (a Account) RefreshInterval() time.Duration {
	return time.Duration(a.RefreshSec) * time.Second
}
