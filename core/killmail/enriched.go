// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package killmail

// Enriched is a killmail whose entity references have been resolved to
// names. The numeric identity of the record is unchanged by enrichment,
// and enriching an already enriched record yields an equal record.
type Enriched struct {
	KillmailID      uint64             `json:"killmail_id"`
	KillmailTime    Time               `json:"killmail_time"`
	SolarSystemID   uint32             `json:"solar_system_id"`
	SolarSystemName string             `json:"solar_system_name,omitempty"`
	Victim          EnrichedVictim     `json:"victim"`
	Attackers       []EnrichedAttacker `json:"attackers"`
	TotalValue      float64            `json:"total_value,omitempty"`
	ZKB             map[string]any     `json:"zkb,omitempty"`
}

// EnrichedVictim is a victim with resolved entity names. Names that
// could not be resolved are empty and omitted on the wire.
type EnrichedVictim struct {
	Victim
	CharacterName   string `json:"character_name,omitempty"`
	CorporationName string `json:"corporation_name,omitempty"`
	AllianceName    string `json:"alliance_name,omitempty"`
	ShipName        string `json:"ship_name,omitempty"`
}

// EnrichedAttacker is an attacker with resolved entity names.
type EnrichedAttacker struct {
	Attacker
	CharacterName   string `json:"character_name,omitempty"`
	CorporationName string `json:"corporation_name,omitempty"`
	AllianceName    string `json:"alliance_name,omitempty"`
	ShipName        string `json:"ship_name,omitempty"`
	WeaponName      string `json:"weapon_name,omitempty"`
}
