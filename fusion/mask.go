package fusion

import "strings"

// Mask selects which correction channels the node fuses. The bit values
// mirror the flight-stack parameter convention.
type Mask int

const (
	MaskEVPos Mask = 1 << iota
	MaskEVYaw
	MaskEVHgt
	MaskGPSPos
	MaskGPSVel
	MaskGPSHgt
	MaskOpticalFlow
)

// MaskAll has every known fusion bit set.
const MaskAll = MaskEVPos | MaskEVYaw | MaskEVHgt | MaskGPSPos | MaskGPSVel | MaskGPSHgt | MaskOpticalFlow

// Channel identifies one correction sensor stream. The IMU and the
// landed-state signal are not Channels: they are always wired.
type Channel string

const (
	ChannelVision      Channel = "vision"
	ChannelGPS         Channel = "gps"
	ChannelOpticalFlow Channel = "optical_flow"
)

// Wants reports whether the mask activates the given channel. Any of the
// three vision bits implies the vision channel and any of the three GPS
// bits implies the GPS channel.
func (m Mask) Wants(c Channel) bool {
	switch c {
	case ChannelVision:
		return m&(MaskEVPos|MaskEVYaw|MaskEVHgt) != 0
	case ChannelGPS:
		return m&(MaskGPSPos|MaskGPSVel|MaskGPSHgt) != 0
	case ChannelOpticalFlow:
		return m&MaskOpticalFlow != 0
	}
	return false
}

// ActiveChannels returns the set of correction channels the mask wants,
// in a fixed order. The surrounding system uses this to decide which
// inbound feeds to attach; a channel left out should never be wired.
func (m Mask) ActiveChannels() []Channel {
	var active []Channel
	for _, c := range []Channel{ChannelVision, ChannelGPS, ChannelOpticalFlow} {
		if m.Wants(c) {
			active = append(active, c)
		}
	}
	return active
}

func (m Mask) String() string {
	active := m.ActiveChannels()
	if len(active) == 0 {
		return "none"
	}
	names := make([]string, 0, len(active))
	for _, c := range active {
		names = append(names, string(c))
	}
	return strings.Join(names, "+")
}
