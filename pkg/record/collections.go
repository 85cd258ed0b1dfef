package record

// Collection names within the accounting database. Sample collections are
// quarterly sharded; registry and latest-snapshot collections are not.
const (
	CollUsers  = "users"
	CollGroups = "groups"

	CollCompute = "compute"
	CollStorage = "storage"
	CollFiles   = "files_report"

	CollComputeLatest = "compute_latest"
	CollStorageLatest = "storage_latest"
	CollFilesLatest   = "files_latest"
)
