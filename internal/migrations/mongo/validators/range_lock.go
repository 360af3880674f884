package validators

import "go.mongodb.org/mongo-driver/bson"

var isoDate = bson.M{
	"bsonType": "string",
	"pattern":  `^\d{4}-\d{2}-\d{2}$`,
}

var RangeLockValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType": "object",
		"required": []string{
			"_id",
			"resource_id",
			"session_id",
			"start_date",
			"end_date",
			"expires_at",
			"created_at",
		},
		"additionalProperties": false,

		"properties": bson.M{
			"_id": bson.M{
				"bsonType":  "string",
				"minLength": 1,
			},
			"resource_id": bson.M{
				"bsonType":  "string",
				"minLength": 1,
				"maxLength": 128,
			},
			"session_id": bson.M{
				"bsonType":  "string",
				"minLength": 1,
			},
			"start_date": isoDate,
			"end_date":   isoDate,
			"expires_at": bson.M{
				"bsonType": "date",
			},
			"created_at": bson.M{
				"bsonType": "date",
			},
		},
	},
}

// LockSlotValidator covers the per-day claim documents. Their _id is
// "<resource_id>:<date>", which makes double booking a duplicate key.
var LockSlotValidator = bson.M{
	"$jsonSchema": bson.M{
		"bsonType": "object",
		"required": []string{
			"_id",
			"lock_id",
			"resource_id",
			"date",
			"expires_at",
		},
		"additionalProperties": false,

		"properties": bson.M{
			"_id": bson.M{
				"bsonType":  "string",
				"minLength": 12,
			},
			"lock_id": bson.M{
				"bsonType": "string",
			},
			"resource_id": bson.M{
				"bsonType": "string",
			},
			"date": isoDate,
			"expires_at": bson.M{
				"bsonType": "date",
			},
		},
	},
}
