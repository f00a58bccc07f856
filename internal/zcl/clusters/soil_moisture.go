package clusters

import "zstack-go-home/internal/zcl"

var SoilMoisture = zcl.ClusterDef{
	ID:   0x0408,
	Name: "Soil Moisture",
	Attributes: []zcl.AttributeDef{
		{ID: 0x0000, Name: "MeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead | zcl.AccessReport,
			Measurement: "soil_moisture", Divisor: 100, Unit: "%"},
		{ID: 0x0001, Name: "MinMeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead},
		{ID: 0x0002, Name: "MaxMeasuredValue", Type: zcl.TypeUint16, Access: zcl.AccessRead},
	},
}
