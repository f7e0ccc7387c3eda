// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// SamplePayload returns a complete payload that passes validation. The CLI
// prints it as a submission template and tests use it as a fixture.
func SamplePayload() Payload {
	address := Address{
		PremisesNumber: "12B",
		BuildingName:   "Lakeview Industrial Estate",
		VillageTown:    "Hadapsar",
		RoadStreetLane: "Mundhwa Road",
		City:           "Pune",
		State:          "Maharashtra",
		District:       "Pune",
		PostalCode:     "411028",
	}
	return Payload{
		Identity: Identity{
			Number: "234567890123",
			Name:   "Asha Kulkarni",
			Mobile: "9876543210",
			Email:  "asha@example.com",
		},
		TaxID: TaxID{
			Number:      "ABCDE1234F",
			Name:        "ASHA KULKARNI",
			DateOfBirth: "1986-04-17",
		},
		Profile: Profile{
			SocialCategory: "General",
			Gender:         "F",
		},
		Enterprise: Enterprise{
			Name:                "Kulkarni Precision Works",
			UnitName:            "Unit 1",
			DateOfIncorporation: "2019-07-01",
			DateOfCommencement:  "2019-08-15",
		},
		PlantAddress:    address,
		OfficialAddress: address,
		Bank: Bank{
			Name:          "State Bank",
			AccountNumber: "123456789012",
			RoutingCode:   "SBIN0001234",
		},
		Activity: Activity{
			MajorActivity:       "Manufacturing",
			Section:             "Fabricated metal products",
			ClassificationCodes: []string{"25920"},
		},
		Employment: Employment{Male: 8, Female: 5},
		Financials: Financials{
			InvestmentWDV:  2500000,
			TotalTurnover:  9000000,
			ExportTurnover: 1500000,
		},
	}
}
