// Package source reads the documents of one export window from the
// source document store.
package source

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/ajitpratap0/quasar/pkg/models"
	"github.com/ajitpratap0/quasar/pkg/rowcodec"
)

// Reader streams the documents of one collection
type Reader interface {
	// Count returns the number of documents in window
	Count(ctx context.Context, stamps models.Stamps, window models.Window) (int64, error)
	// Each calls fn for every document in window and stops at the first error
	Each(ctx context.Context, stamps models.Stamps, window models.Window, fn func(doc bson.M) error) error
	Close(ctx context.Context) error
}

// Opener connects to the collection named by src using profile
type Opener interface {
	Open(ctx context.Context, profile models.SourceProfile, src models.ExportSource) (Reader, error)
}

// WindowFilter selects documents whose effective time lies in window.
//
// The effective time is the greatest of the update stamp, the insert stamp
// and the identifier, each converted to a date the way rowcodec.AsTime
// reads it; values that cannot be converted are ignored. A document with no
// usable time is treated as belonging to the window end and is therefore
// included.
func WindowFilter(stamps models.Stamps, window models.Window) bson.D {
	effective := bson.D{{Key: "$ifNull", Value: bson.A{
		bson.D{{Key: "$max", Value: bson.A{
			toDate(stamps.Update),
			toDate(stamps.Insert),
			toDate(stamps.ID),
		}}},
		window.End,
	}}}

	return bson.D{{Key: "$expr", Value: bson.D{{Key: "$and", Value: bson.A{
		bson.D{{Key: "$gt", Value: bson.A{effective, window.Begin}}},
		bson.D{{Key: "$lte", Value: bson.A{effective, window.End}}},
	}}}}}
}

// toDate converts field with $convert, except strings outside
// rowcodec.DatePattern, which are null. $convert alone would accept
// free-form date strings the codec cannot read.
func toDate(field string) bson.D {
	ref := "$" + field
	convert := bson.D{{Key: "$convert", Value: bson.D{
		{Key: "input", Value: ref},
		{Key: "to", Value: "date"},
		{Key: "onError", Value: nil},
		{Key: "onNull", Value: nil},
	}}}
	isDateString := bson.D{{Key: "$regexMatch", Value: bson.D{
		{Key: "input", Value: ref},
		{Key: "regex", Value: rowcodec.DatePattern},
	}}}

	return bson.D{{Key: "$cond", Value: bson.A{
		bson.D{{Key: "$eq", Value: bson.A{bson.D{{Key: "$type", Value: ref}}, "string"}}},
		bson.D{{Key: "$cond", Value: bson.A{isDateString, convert, nil}}},
		convert,
	}}}
}
