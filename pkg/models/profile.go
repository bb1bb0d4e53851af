package models

// SourceProfile is a stored source connection descriptor
type SourceProfile struct {
	Name string `bson:"name" json:"name"`
	// URI is the MongoDB connection string of the source cluster
	URI string `bson:"uri" json:"uri"`
}

// TargetProfile is a stored warehouse credentials descriptor
type TargetProfile struct {
	Name string `bson:"name" json:"name"`
	// ProjectID overrides the project carried by the credentials
	ProjectID string `bson:"project_id,omitempty" json:"project_id,omitempty"`
	// Location is the dataset location, e.g. US or europe-west1
	Location string `bson:"location,omitempty" json:"location,omitempty"`
	// Credentials is a service account key in JSON form
	Credentials string `bson:"credentials" json:"-"`
}
