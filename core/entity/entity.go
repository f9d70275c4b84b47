// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package entity names the auxiliary game objects a killmail refers to.
// Entities are fetched from the metadata API and cached by (kind, id);
// only their name attribute is semantically relied upon.
package entity

import (
	"fmt"

	"github.com/juju/errors"
)

// Kind discriminates the entity types known to the metadata API.
type Kind string

const (
	Character   Kind = "character"
	Corporation Kind = "corporation"
	Alliance    Kind = "alliance"
	ShipType    Kind = "ship_type"
	Group       Kind = "group"
	SolarSystem Kind = "solar_system"
)

// Namespace returns the cache namespace entities of this kind live in.
func (k Kind) Namespace() string {
	switch k {
	case Character:
		return "characters"
	case Corporation:
		return "corporations"
	case Alliance:
		return "alliances"
	case ShipType:
		return "ship_types"
	case Group:
		return "groups"
	case SolarSystem:
		return "systems"
	default:
		return string(k)
	}
}

// Validate returns an error if the kind is not one of the known values.
func (k Kind) Validate() error {
	switch k {
	case Character, Corporation, Alliance, ShipType, Group, SolarSystem:
		return nil
	}
	return errors.NotValidf("entity kind %q", string(k))
}

// Ref identifies one entity.
type Ref struct {
	Kind Kind
	ID   int64
}

// String implements Stringer.
func (r Ref) String() string {
	return fmt.Sprintf("%s:%d", r.Kind, r.ID)
}

// Validate returns an error if the reference cannot identify an entity.
func (r Ref) Validate() error {
	if err := r.Kind.Validate(); err != nil {
		return errors.Trace(err)
	}
	if r.ID <= 0 {
		return errors.NotValidf("entity id %d", r.ID)
	}
	return nil
}

// Attributes is the opaque attribute map the metadata API returns for an
// entity.
type Attributes map[string]any

// Name returns the entity's name attribute, or the empty string when the
// attributes do not carry one.
func (a Attributes) Name() string {
	name, _ := a["name"].(string)
	return name
}
