package model

// AllModels lists every table for AutoMigrate in development. Production
// schemas come from migrations/.
func AllModels() []interface{} {
	return []interface{}{
		&QueuedTransaction{},
	}
}
