package device

import (
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Characteristic is a discovered GATT characteristic.
type Characteristic struct {
	UUID       string   `json:"uuid"`
	Properties Property `json:"properties"`
}

// Service is a discovered GATT service with its characteristics in discovery order.
type Service struct {
	UUID            string           `json:"uuid"`
	IsPrimary       bool             `json:"isPrimary"`
	Characteristics []Characteristic `json:"characteristics"`
}

// Catalog is the service/characteristic catalog of a connected peripheral.
// It preserves discovery order and normalizes every UUID on the way in.
// A nil *Catalog behaves as an empty one.
type Catalog struct {
	services *orderedmap.OrderedMap[string, Service]
}

// NewCatalog indexes services. Duplicated service UUIDs keep the first occurrence.
func NewCatalog(services []Service) *Catalog {
	c := &Catalog{services: orderedmap.New[string, Service]()}
	for _, svc := range services {
		key := NormalizeUUID(svc.UUID)
		if key == "" {
			key = svc.UUID
		}
		if _, exists := c.services.Get(key); exists {
			continue
		}

		normalized := Service{
			UUID:            key,
			IsPrimary:       svc.IsPrimary,
			Characteristics: make([]Characteristic, 0, len(svc.Characteristics)),
		}
		for _, ch := range svc.Characteristics {
			charKey := NormalizeUUID(ch.UUID)
			if charKey == "" {
				charKey = ch.UUID
			}
			normalized.Characteristics = append(normalized.Characteristics, Characteristic{
				UUID:       charKey,
				Properties: ch.Properties,
			})
		}
		c.services.Set(key, normalized)
	}
	return c
}

// Len returns the number of services
func (c *Catalog) Len() int {
	if c == nil || c.services == nil {
		return 0
	}
	return c.services.Len()
}

// Services returns a copy of the services in discovery order.
func (c *Catalog) Services() []Service {
	if c.Len() == 0 {
		return nil
	}
	result := make([]Service, 0, c.services.Len())
	for pair := c.services.Oldest(); pair != nil; pair = pair.Next() {
		svc := pair.Value
		svc.Characteristics = append([]Characteristic(nil), svc.Characteristics...)
		result = append(result, svc)
	}
	return result
}

// Service looks a service up by any UUID form.
func (c *Catalog) Service(uuid string) (Service, error) {
	key := NormalizeUUID(uuid)
	if c.Len() == 0 || key == "" {
		return Service{}, NotFound("service", uuid)
	}
	svc, ok := c.services.Get(key)
	if !ok {
		return Service{}, NotFound("service", uuid)
	}
	return svc, nil
}

// Lookup finds a characteristic by service and characteristic UUID (any form).
// Returns a ServiceNotFound or CharacteristicNotFound error.
func (c *Catalog) Lookup(service, characteristic string) (Characteristic, error) {
	svc, err := c.Service(service)
	if err != nil {
		return Characteristic{}, err
	}

	key := NormalizeUUID(characteristic)
	for _, ch := range svc.Characteristics {
		if ch.UUID == key {
			return ch, nil
		}
	}
	return Characteristic{}, NotFound("characteristic", service, characteristic)
}

// CharacteristicCount returns the total number of characteristics across services
func (c *Catalog) CharacteristicCount() int {
	total := 0
	for _, svc := range c.Services() {
		total += len(svc.Characteristics)
	}
	return total
}
