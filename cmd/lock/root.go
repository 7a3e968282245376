package lock

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dGrid/cmd/util"
	"github.com/ValentinKolb/dGrid/lib/lockmgr"
	"github.com/ValentinKolb/dGrid/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	rpcLockMgr lockmgr.ILockManager

	// LockCommands represents the lock command group
	LockCommands = &cobra.Command{
		Use:   "lock",
		Short: "Perform lock and condition operations",
		Long: `Perform lock and condition operations against a lock manager shard.

Every invocation is a separate process, so the lock holder is identified by
--owner (and --thread). acquire prints a fresh owner if none is given; pass it
to the following commands to act as the same holder.`,
		PersistentPreRunE: setupLockClient,
	}

	acquireCmd = &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock (or increase its depth if the owner holds it already)",
		Args:  cobra.ExactArgs(1),
		RunE:  runAcquire,
	}

	unlockCmd = &cobra.Command{
		Use:   "unlock [key]",
		Short: "Release one level of a lock held by --owner",
		Args:  cobra.ExactArgs(1),
		RunE:  runUnlock,
	}

	forceUnlockCmd = &cobra.Command{
		Use:   "force-unlock [key]",
		Short: "Release a lock whoever holds it",
		Args:  cobra.ExactArgs(1),
		RunE:  runForceUnlock,
	}

	statusCmd = &cobra.Command{
		Use:   "status [key]",
		Short: "Show whether a lock is held, its depth and remaining ttl",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}

	awaitCmd = &cobra.Command{
		Use:   "await [key] [condition]",
		Short: "Release the lock held by --owner and wait until the condition is signaled",
		Args:  cobra.ExactArgs(2),
		RunE:  runAwait,
	}

	signalCmd = &cobra.Command{
		Use:   "signal [key] [condition]",
		Short: "Wake one (or with --all every) waiter of the condition, --owner must hold the lock",
		Args:  cobra.ExactArgs(2),
		RunE:  runSignal,
	}
)

func init() {
	// Add subcommands to lock command
	LockCommands.AddCommand(acquireCmd)
	LockCommands.AddCommand(unlockCmd)
	LockCommands.AddCommand(forceUnlockCmd)
	LockCommands.AddCommand(statusCmd)
	LockCommands.AddCommand(awaitCmd)
	LockCommands.AddCommand(signalCmd)
	LockCommands.AddCommand(perfCmd)

	// Add common RPC flags to the lock command
	util.SetupRPCClientFlags(LockCommands)

	LockCommands.PersistentFlags().Int("shard", 100, util.WrapString("ID of the shard to connect to"))
	LockCommands.PersistentFlags().String("service", "lock", util.WrapString("Service name of the lock namespace"))
	LockCommands.PersistentFlags().String("object", "default", util.WrapString("Object name of the lock namespace, equal keys of different objects are different locks"))
	LockCommands.PersistentFlags().String("owner", "", util.WrapString("Owner id of the lock holder (default: a new uuid)"))
	LockCommands.PersistentFlags().Int64("thread", 1, util.WrapString("Thread id of the lock holder"))

	acquireCmd.Flags().Duration("ttl", 30*time.Second, "Lease time of the lock (0 = never expires)")
	acquireCmd.Flags().Duration("wait", 0, "How long to retry while the lock is held by someone else")

	awaitCmd.Flags().Duration("wait", 0, "How long to wait for the signal (0 = until signaled)")
	awaitCmd.Flags().Duration("ttl", 30*time.Second, "Lease time of the lock once it is taken back (0 = never expires)")

	signalCmd.Flags().Bool("all", false, "Wake every waiter instead of one")

	statusCmd.Flags().String("condition", "", "Also show the number of waiters of this condition")
}

// setupLockClient initializes the lock manager client
func setupLockClient(cmd *cobra.Command, _ []string) error {
	// Bind command flags to viper
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	s, err := util.GetSerializer()
	if err != nil {
		return err
	}

	t, err := util.GetTransport()
	if err != nil {
		return err
	}

	// Create the lock manager client
	rpcLockMgr, err = client.NewRPCLockMgr(
		util.GetShardID(),
		*util.GetClientConfig(),
		t,
		s,
	)
	return err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func namespace() lockmgr.ObjectNamespace {
	return lockmgr.ObjectNamespace{
		ServiceName: viper.GetString("service"),
		ObjectName:  viper.GetString("object"),
	}
}

// caller returns the caller given by --owner and --thread. required fails if
// no owner was given, otherwise a fresh one is created.
func caller(required bool) (lockmgr.Caller, error) {
	owner := viper.GetString("owner")
	if owner == "" {
		if required {
			return lockmgr.Caller{}, fmt.Errorf("--owner is required")
		}
		owner = client.NewCaller().Owner
	}
	return lockmgr.Caller{Owner: owner, ThreadID: viper.GetInt64("thread")}, nil
}

func duration(cmd *cobra.Command, name string) time.Duration {
	d, _ := cmd.Flags().GetDuration(name)
	return d
}

// --------------------------------------------------------------------------
// Commands
// --------------------------------------------------------------------------

func runAcquire(cmd *cobra.Command, args []string) error {
	c, err := caller(false)
	if err != nil {
		return err
	}

	acquired, err := client.TryLock(cmd.Context(), rpcLockMgr, namespace(), lockmgr.Key(args[0]), c, duration(cmd, "ttl"), duration(cmd, "wait"))
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	fmt.Printf("acquired=%t owner=%s thread=%d\n", acquired, c.Owner, c.ThreadID)
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	c, err := caller(true)
	if err != nil {
		return err
	}

	if err := rpcLockMgr.Unlock(cmd.Context(), namespace(), lockmgr.Key(args[0]), c); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Println("released=true")
	return nil
}

func runForceUnlock(cmd *cobra.Command, args []string) error {
	released, err := rpcLockMgr.ForceUnlock(cmd.Context(), namespace(), lockmgr.Key(args[0]))
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	fmt.Printf("released=%t\n", released)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ns, key := namespace(), lockmgr.Key(args[0])

	locked, err := rpcLockMgr.IsLocked(ctx, ns, key)
	if err != nil {
		return err
	}
	count, err := rpcLockMgr.GetLockCount(ctx, ns, key)
	if err != nil {
		return err
	}
	ttl, err := rpcLockMgr.GetRemainingTTL(ctx, ns, key)
	if err != nil {
		return err
	}

	ttlStr := ttl.Round(time.Millisecond).String()
	if ttl == lockmgr.NoExpiry {
		ttlStr = "none"
	}
	fmt.Printf("locked=%t count=%d ttl=%s", locked, count, ttlStr)

	if viper.GetString("owner") != "" {
		c, _ := caller(true)
		lockedBy, err := rpcLockMgr.IsLockedBy(ctx, ns, key, c)
		if err != nil {
			return err
		}
		fmt.Printf(" lockedByOwner=%t", lockedBy)
	}

	if cond, _ := cmd.Flags().GetString("condition"); cond != "" {
		n, err := rpcLockMgr.GetAwaitCount(ctx, ns, key, cond)
		if err != nil {
			return err
		}
		fmt.Printf(" waiters=%d", n)
	}
	fmt.Println()
	return nil
}

func runAwait(cmd *cobra.Command, args []string) error {
	c, err := caller(true)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	ns, key, cond := namespace(), lockmgr.Key(args[0]), args[1]

	if err := rpcLockMgr.BeforeAwait(ctx, ns, key, cond, c); err != nil {
		return fmt.Errorf("failed to register on condition: %w", err)
	}
	signaled, err := rpcLockMgr.Await(ctx, ns, key, cond, c, duration(cmd, "wait"), duration(cmd, "ttl"))
	if err != nil {
		return fmt.Errorf("failed to await condition: %w", err)
	}
	fmt.Printf("signaled=%t\n", signaled)
	return nil
}

func runSignal(cmd *cobra.Command, args []string) error {
	c, err := caller(true)
	if err != nil {
		return err
	}
	all, _ := cmd.Flags().GetBool("all")
	ns, key, cond := namespace(), lockmgr.Key(args[0]), args[1]

	var grants int
	if all {
		grants, err = rpcLockMgr.SignalAll(cmd.Context(), ns, key, cond, c)
	} else {
		grants, err = rpcLockMgr.Signal(cmd.Context(), ns, key, cond, c)
	}
	if err != nil {
		return fmt.Errorf("failed to signal condition: %w", err)
	}
	fmt.Printf("grants=%d\n", grants)
	return nil
}
