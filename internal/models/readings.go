package models

import (
	"errors"

	"github.com/PratikDhanave/event-projection-service/internal/decoder"
	"github.com/PratikDhanave/event-projection-service/internal/eventlog"
)

// SensorReading is a record on the sensor readings topic, keyed by sensor id.
//
//	{"sensortime":"Tue Nov 26 10:53:41 GMT 2024","sensorid":"G-3-14","temperature":19.9,"humidity":50}
type SensorReading struct {
	SensorTime  string  `json:"sensortime"`
	SensorID    string  `json:"sensorid"`
	Temperature float64 `json:"temperature"`
	Humidity    int     `json:"humidity"`
}

// DoorBadgeIn is a record on the badge-in topic. The transport key is the
// unique record id; the projection groups by door.
//
//	{"recordid":"e85bde81-...","door":"H-0-17","employee":"micaela.shanahan","badgetime":"2024-11-26 17:51:11.988"}
type DoorBadgeIn struct {
	RecordID  string `json:"recordid"`
	Door      string `json:"door"`
	Employee  string `json:"employee"`
	BadgeTime string `json:"badgetime"`
}

// DecodeSensorReading rejects readings without a sensor id.
var DecodeSensorReading = decoder.JSON(func(r SensorReading) error {
	if r.SensorID == "" {
		return errors.New("sensorid required")
	}
	return nil
})

// DecodeDoorBadgeIn rejects badge-ins without a door.
var DecodeDoorBadgeIn = decoder.JSON(func(b DoorBadgeIn) error {
	if b.Door == "" {
		return errors.New("door required")
	}
	return nil
})

// DoorBadgeInKey derives the projection key from the payload's door field.
func DoorBadgeInKey(_ eventlog.Record, b DoorBadgeIn) string {
	return b.Door
}
