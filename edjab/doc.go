// Package edjab is the data-access client of the Edjab platform.
//
// A Client wraps one store.Table per DynamoDB table: users, schools,
// reviews, images, videos, the follow, like and attend relations, and the
// user-to-content access tables. Writes that refer to other records check
// them first with store.ValidateReferences; those checks are not atomic
// with the write.
//
// Domain errors wrap the store sentinels:
//
//	_, err := client.Follow(ctx, "user@example.com", "IIT")
//	if errors.Is(err, edjab.ErrAlreadyExists) {
//		// also matches store.ErrDuplicateKey
//	}
//
// Counters on users and schools are not written by the relation calls.
// They are kept by the stream package from the tables' change streams.
package edjab
