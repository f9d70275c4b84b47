// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package killmail holds the combat-event records flowing through the
// pipeline: the raw form produced by the feed and the enriched form
// delivered to subscribers.
package killmail

import (
	"time"
)

// Killmail is a raw combat-event record as produced by the feed, before
// entity enrichment. The zkb metadata block travels with the killmail
// untouched.
type Killmail struct {
	KillmailID    uint64     `json:"killmail_id"`
	KillmailTime  Time       `json:"killmail_time,omitempty"`
	KillTime      Time       `json:"kill_time,omitempty"`
	SolarSystemID uint32     `json:"solar_system_id"`
	MoonID        *int64     `json:"moon_id,omitempty"`
	WarID         *int64     `json:"war_id,omitempty"`
	Victim        Victim     `json:"victim"`
	Attackers     []Attacker `json:"attackers"`

	// LegacySystemID catches records that name the system field
	// system_id rather than solar_system_id. It is folded into
	// SolarSystemID on decode and never written back out.
	LegacySystemID uint32 `json:"system_id,omitempty"`

	// ZKB is opaque feed metadata. Only the "hash" key is semantically
	// relied upon; everything else round-trips verbatim.
	ZKB map[string]any `json:"zkb,omitempty"`
}

// Victim identifies the losing party of a killmail.
type Victim struct {
	CharacterID   *int64    `json:"character_id,omitempty"`
	CorporationID *int64    `json:"corporation_id,omitempty"`
	AllianceID    *int64    `json:"alliance_id,omitempty"`
	FactionID     *int64    `json:"faction_id,omitempty"`
	ShipTypeID    *int64    `json:"ship_type_id,omitempty"`
	DamageTaken   int64     `json:"damage_taken,omitempty"`
	Position      *Position `json:"position,omitempty"`
	Items         []Item    `json:"items,omitempty"`
}

// Attacker identifies one of the attacking parties of a killmail.
type Attacker struct {
	CharacterID    *int64  `json:"character_id,omitempty"`
	CorporationID  *int64  `json:"corporation_id,omitempty"`
	AllianceID     *int64  `json:"alliance_id,omitempty"`
	FactionID      *int64  `json:"faction_id,omitempty"`
	ShipTypeID     *int64  `json:"ship_type_id,omitempty"`
	WeaponTypeID   *int64  `json:"weapon_type_id,omitempty"`
	DamageDone     int64   `json:"damage_done,omitempty"`
	FinalBlow      bool    `json:"final_blow"`
	SecurityStatus float64 `json:"security_status,omitempty"`
}

// Position is a location in space.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Item is an item fitted to or carried by the victim's ship.
type Item struct {
	ItemTypeID        int64  `json:"item_type_id"`
	Flag              int64  `json:"flag"`
	Singleton         int64  `json:"singleton"`
	QuantityDestroyed *int64 `json:"quantity_destroyed,omitempty"`
	QuantityDropped   *int64 `json:"quantity_dropped,omitempty"`
	Items             []Item `json:"items,omitempty"`
}

// EventTime returns the instant the kill occurred. The feed is not
// consistent about where it records the timestamp, so the killmail's own
// field is preferred, then the legacy kill_time field, then the timestamp
// carried in the zkb metadata.
func (k *Killmail) EventTime() (time.Time, bool) {
	if !k.KillmailTime.IsZero() {
		return k.KillmailTime.Time, true
	}
	if !k.KillTime.IsZero() {
		return k.KillTime.Time, true
	}
	if raw, ok := k.ZKB["killmail_time"].(string); ok {
		if ts, err := ParseTimestamp(raw); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// FoldLegacyFields reconciles field aliases older feed records carry,
// leaving SolarSystemID canonical.
func (k *Killmail) FoldLegacyFields() {
	if k.SolarSystemID == 0 && k.LegacySystemID != 0 {
		k.SolarSystemID = k.LegacySystemID
	}
	k.LegacySystemID = 0
}

// Hash returns the zkb hash identifying this killmail on the auxiliary
// API, or the empty string when the metadata does not carry one.
func (k *Killmail) Hash() string {
	h, _ := k.ZKB["hash"].(string)
	return h
}

// TotalValue returns the ISK value recorded by the feed for this kill,
// or zero when the metadata does not carry one.
func (k *Killmail) TotalValue() float64 {
	switch v := k.ZKB["totalValue"].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	}
	return 0
}

// CopyZKB returns a shallow copy of the zkb metadata, so holders of the
// copy cannot mutate the original through shared map references.
func (k *Killmail) CopyZKB() map[string]any {
	if k.ZKB == nil {
		return nil
	}
	zkb := make(map[string]any, len(k.ZKB))
	for key, value := range k.ZKB {
		zkb[key] = value
	}
	return zkb
}
