package domain

// Durable namespaces in the persistent store
const (
	NamespaceCache      = "cache"
	NamespaceSyncQueue  = "syncQueue"
	NamespaceDeadLetter = "deadLetter"
	NamespaceMeta       = "meta"
)

// Namespaces lists every namespace a store must provision
func Namespaces() []string {
	return []string{NamespaceCache, NamespaceSyncQueue, NamespaceDeadLetter, NamespaceMeta}
}

// Record is one key/value pair read back from a namespace
type Record struct {
	Key   string
	Value []byte
}
