package database

// Store bundles the repositories over one database handle. Everything
// above the persistence layer takes a *Store.
type Store struct {
	DB          *DB
	Contacts    ContactRepository
	Campaigns   CampaignRepository
	Calls       CallRepository
	Recordings  RecordingRepository
	Transcripts TranscriptRepository
	CallEvents  CallEventRepository
	AdminUsers  AdminUserRepository
}

// NewStore wires the repositories over db.
func NewStore(db *DB) *Store {
	return &Store{
		DB:          db,
		Contacts:    NewContactRepository(db),
		Campaigns:   NewCampaignRepository(db),
		Calls:       NewCallRepository(db),
		Recordings:  NewRecordingRepository(db),
		Transcripts: NewTranscriptRepository(db),
		CallEvents:  NewCallEventRepository(db),
		AdminUsers:  NewAdminUserRepository(db),
	}
}
