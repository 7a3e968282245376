package lockmgr

import "fmt"

// NoThread is the thread id of a caller that does not hold anything.
const NoThread int64 = -1

// Key identifies a locked resource inside a namespace. It is an opaque,
// already encoded byte sequence; the string backing only makes it comparable
// and immutable.
type Key string

// ObjectNamespace is the logical container a lock belongs to. Two equal keys
// in different namespaces are different locks.
type ObjectNamespace struct {
	ServiceName string
	ObjectName  string
}

func (ns ObjectNamespace) String() string {
	return ns.ServiceName + "/" + ns.ObjectName
}

// Caller is the identity of a lock holder: an opaque owner id (for remote
// clients a uuid chosen by the client) and the logical thread of that owner.
// Two callers with the same owner but different threads are different
// holders.
type Caller struct {
	Owner    string
	ThreadID int64
}

func (c Caller) String() string {
	return fmt.Sprintf("%s#%d", c.Owner, c.ThreadID)
}

// valid reports whether c can hold a lock.
func (c Caller) valid() bool {
	return c.Owner != "" && c.ThreadID != NoThread
}

// ConditionKey identifies one signal grant: the object, the key and the
// condition the grant is for.
type ConditionKey struct {
	ObjectName  string
	Key         Key
	ConditionID string
}

func (ck ConditionKey) String() string {
	return fmt.Sprintf("%s[%s]:%s", ck.ObjectName, ck.Key, ck.ConditionID)
}
