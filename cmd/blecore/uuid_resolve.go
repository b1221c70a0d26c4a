package main

import (
	"strings"

	"github.com/srg/blecore/internal/device"
)

// target is a resolved characteristic with its owning service.
type target struct {
	Service        string
	Characteristic device.Characteristic
}

// resolveTarget finds a characteristic in the discovered services.
//
// Resolution cases:
//  1. serviceUUID given: direct lookup in that service
//  2. serviceUUID empty: search every service; the characteristic UUID must be unique
func resolveTarget(services []device.Service, charUUID, serviceUUID string) (target, error) {
	normalizedChar, err := device.ParseUUID(charUUID)
	if err != nil {
		return target{}, err
	}

	catalog := device.NewCatalog(services)

	// Case 1: explicit service
	if serviceUUID != "" {
		normalizedService, err := device.ParseUUID(serviceUUID)
		if err != nil {
			return target{}, err
		}
		char, err := catalog.Lookup(normalizedService, normalizedChar)
		if err != nil {
			return target{}, err
		}
		return target{Service: normalizedService, Characteristic: char}, nil
	}

	// Case 2: auto-resolve
	var found []target
	for _, svc := range catalog.Services() {
		for _, char := range svc.Characteristics {
			if char.UUID == normalizedChar {
				found = append(found, target{Service: svc.UUID, Characteristic: char})
			}
		}
	}

	switch len(found) {
	case 0:
		return target{}, device.NotFound("characteristic", charUUID)
	case 1:
		return found[0], nil
	default:
		return target{}, device.NewError(device.KindInvalidArguments,
			"characteristic %s found in %d services, specify --service", charUUID, len(found))
	}
}

// resolveTargets resolves every UUID of a comma-separated list.
func resolveTargets(services []device.Service, charUUIDsCSV, serviceUUID string) ([]target, error) {
	uuids := parseCSVUUIDs(charUUIDsCSV)
	if len(uuids) == 0 {
		return nil, device.NewError(device.KindInvalidArguments, "no UUIDs provided")
	}

	targets := make([]target, 0, len(uuids))
	for _, u := range uuids {
		t, err := resolveTarget(services, u, serviceUUID)
		if err != nil {
			return nil, err
		}
		targets = append(targets, t)
	}
	return targets, nil
}

// parseCSVUUIDs parses a comma-separated string of UUIDs into a slice.
// Handles whitespace and filters empty elements.
//
//	"2a37, 2a38" -> []string{"2a37", "2a38"}
func parseCSVUUIDs(input string) []string {
	var result []string
	for _, u := range strings.Split(input, ",") {
		u = strings.TrimSpace(u)
		if u != "" {
			result = append(result, u)
		}
	}
	return result
}
