package model

import (
	"errors"
	"testing"
)

func TestDisplayProjection(t *testing.T) {
	server := &ServerRecord{Name: "CH#1"}
	tests := []struct {
		name                  string
		state                 ConnectionState
		controlChannelUp      bool
		intentionalDisconnect bool
		want                  DisplayState
	}{{
		name:  "disconnected",
		state: Disconnected(nil),
		want:  DisplayDisconnected,
	}, {
		name:  "preparing shows connecting",
		state: Preparing(),
		want:  DisplayConnecting,
	}, {
		name:  "connecting",
		state: Connecting(server),
		want:  DisplayConnecting,
	}, {
		name:  "connected without control channel",
		state: Connected(server, &TunnelDetails{}),
		want:  DisplayLoadingConnectionInfo,
	}, {
		name:             "connected with control channel",
		state:            Connected(server, &TunnelDetails{}),
		controlChannelUp: true,
		want:             DisplayConnected,
	}, {
		name:                  "connected during intentional disconnect",
		state:                 Connected(server, &TunnelDetails{}),
		intentionalDisconnect: true,
		want:                  DisplayConnected,
	}, {
		name:  "disconnecting",
		state: Disconnecting(),
		want:  DisplayDisconnecting,
	}, {
		name:  "aborted shows disconnected",
		state: Aborted(true),
		want:  DisplayDisconnected,
	}, {
		name:  "error shows disconnected",
		state: Failed(errors.New("boom")),
		want:  DisplayDisconnected,
	}}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.state.Display(tt.controlChannelUp, tt.intentionalDisconnect)
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConnectionStateString(t *testing.T) {
	server := &ServerRecord{Name: "CH#1"}
	if got := Connecting(server).String(); got != "connecting(CH#1)" {
		t.Fatalf("unexpected string: %s", got)
	}
	if got := Aborted(true).String(); got != "aborted(userInitiated=true)" {
		t.Fatalf("unexpected string: %s", got)
	}
}

func TestTransportMask(t *testing.T) {
	mask := MaskOf(TransportWireGuardUDP, TransportOpenVPNTCP)
	if !mask.Contains(TransportWireGuardUDP) || mask.Contains(TransportIKEv2) {
		t.Fatal("mask membership broken")
	}
	if !mask.Overlaps(MaskOf(TransportOpenVPNTCP)) {
		t.Fatal("mask overlap broken")
	}
	if mask.Overlaps(MaskOf(TransportWireGuardTLS)) {
		t.Fatal("mask overlap false positive")
	}
	if TransportOpenVPNTCP.Protocol() != ProtocolOpenVPN {
		t.Fatal("protocol family broken")
	}
}
