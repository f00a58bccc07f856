package clusters

import "zstack-go-home/internal/zcl"

var PowerConfiguration = zcl.ClusterDef{
	ID:   0x0001,
	Name: "Power Configuration",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0020, Name: "BatteryVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport,
			Measurement: "battery_voltage", Divisor: 10, Unit: "V"},
		{ID: 0x0021, Name: "BatteryPercentageRemaining", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport,
			Measurement: "battery", Divisor: 2, Unit: "%"},
		{ID: 0x0033, Name: "BatteryQuantity", Type: zcl.TypeUint8, Access: zcl.AccessRead},
		{ID: 0x0034, Name: "BatteryRatedVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead},
	},
}
